package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jo-hoe/scenecast/internal/script"
)

var validateWrite bool

var validateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Check a scene script and apply the deterministic fixes",
	Long: `Run the auto-fix rewrites, the structural pre-check and the heuristic
scan on a scene script. Applied fixes and remaining issues are printed.
The command fails when issues remain after fixing.

Examples:
  scenecast validate scene.py
  scenecast validate scene.py --write`,
	Args: cobra.ExactArgs(1),
	RunE: runValidate,
}

func init() {
	validateCmd.Flags().BoolVarP(&validateWrite, "write", "w", false, "write the fixed script back to the file")
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]
	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	vd := script.New(script.DefaultRules()).Check(string(src))
	out := cmd.OutOrStdout()
	for _, f := range vd.Applied {
		fmt.Fprintf(out, "fixed: %s\n", f)
	}
	if !vd.Required.OK {
		fmt.Fprintf(out, "%s: %s\n", script.SeverityCritical, vd.Required.Error)
	}
	for _, is := range vd.Result.Issues {
		fmt.Fprintf(out, "%s: %s\n", is.Severity, is.Message)
	}

	if validateWrite && vd.Script != string(src) {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("stat script: %w", err)
		}
		if err := os.WriteFile(path, []byte(vd.Script), info.Mode().Perm()); err != nil {
			return fmt.Errorf("write script: %w", err)
		}
		fmt.Fprintf(out, "wrote %s\n", path)
	}

	if err := vd.Err(); err != nil {
		return err
	}
	fmt.Fprintf(out, "ok (%s)\n", script.FingerprintOf(vd.Script).Short())
	return nil
}
