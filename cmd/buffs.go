package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/dmgmeter/internal/buff"
)

var buffsCmd = &cobra.Command{
	Use:   "buffs",
	Short: "Maintain the buff reference tables",
}

var buffsImportCmd = &cobra.Command{
	Use:   "import <BuffTable.json>",
	Short: "Merge a game buff table into buff_map.json",
	Long: `Merge the rows of a BuffTable.json export into the buff name map. Existing
entries are kept; new names containing the debuff marker are flagged as debuffs.

Examples:
  dmgmeter buffs import BuffTable.json
  dmgmeter buffs import BuffTable.json --map tables/buff_map.json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		mapPath := buffsMapPath
		if mapPath == "" {
			cfg, err := loadConfig(cmd)
			if err != nil {
				exitWithError("failed to load config", err)
			}
			mapPath = buff.DefaultPaths(cfg.TablesDir, cfg.DataDir).NameMap
		}
		if err := runBuffsImport(args[0], mapPath, os.Stdout); err != nil {
			exitWithError("failed to import buff table", err)
		}
	},
}

var buffsMapPath string

func init() {
	buffsImportCmd.Flags().StringVar(&buffsMapPath, "map", "", "buff_map.json to update (default: under tables_dir)")
	buffsCmd.AddCommand(buffsImportCmd)
}

func runBuffsImport(tablePath, mapPath string, out io.Writer) error {
	n, err := buff.ImportTable(tablePath, mapPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "✓ %s now maps %d buffs\n", mapPath, n)
	return nil
}
