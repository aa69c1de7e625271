package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yairfalse/launchpad/internal/tags"
)

// renderCmd represents the render command
var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Print the boot script and tag set without calling AWS",
	Long: `Render the first-boot user data and the merged tag set exactly as
"launchpad provision" would submit them. Nothing is created.`,
	Example: `  launchpad render
  launchpad render --format shell -p httpd -p git`,
	Args: cobra.NoArgs,
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	f := renderCmd.Flags()
	f.StringSliceVarP(&provPackages, "packages", "p", nil, "Packages to install at first boot")
	f.StringArrayVar(&provTags, "tag", nil, "Tag as key=value (repeatable)")
	f.StringVar(&provFormat, "format", "", "Boot script format: shell or cloud-config")
}

func runRender(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyProvisionFlags(cmd, cfg); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	req, err := buildRequest(cfg, "render")
	if err != nil {
		return err
	}

	userData, err := req.Script.Render()
	if err != nil {
		return err
	}
	set := tags.Merge(req.Tags)
	if err := set.Validate(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprint(out, userData)
	_, _ = fmt.Fprintln(out, "# tags")
	for _, t := range set {
		_, _ = fmt.Fprintf(out, "# %s=%s\n", t.Key, t.Value)
	}
	return nil
}
