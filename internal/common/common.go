package common

// Shared constants to enforce DRY and avoid magic strings/numbers.

// HTTP headers and content types
const (
	HeaderAPIKey       = "X-API-Key" // #nosec G101 - header name constant, not a credential
	HeaderPrefer       = "Prefer"
	PreferRespondAsync = "respond-async"
	ContentTypeJSON    = "application/json"
	ContentTypeSSE     = "text/event-stream"
	ContentTypeMP4     = "video/mp4"
)

// API paths
const (
	PathHealthz     = "/healthz"
	PathVideos      = "/v1/videos"
	PathCredentials = "/v1/credentials"
	PathMedia       = "/media"
)

// Defaults and limits
const (
	DefaultQueueCapacity = 128
	DefaultWorkerCount   = 4
	SQLiteBusyTimeoutMS  = 5000
	ProgressLogLimit     = 50
	ErrorFieldLimit      = 2000
)

// Subdirectory names
const (
	VideosDirName  = "videos"
	RendersDirName = "renders"
)

// Subject prefixes for event messages
const (
	SubjectProgress = "scenecast.progress"
	SubjectPublish  = "scenecast.publish"
)
