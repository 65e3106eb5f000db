package main

import (
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/urfave/cli/v2"

	"github.com/HakaiInstitute/kelp-o-matic/internal/registry"
	"github.com/HakaiInstitute/kelp-o-matic/pkg/config"
)

func modelsCommand() *cli.Command {
	return &cli.Command{
		Name:   "models",
		Usage:  "list the available models and their latest revisions",
		Action: runModels,
	}
}

func runModels(c *cli.Context) error {
	reg, cacheDir, err := loadRegistry(c)
	if err != nil {
		return err
	}

	data := pterm.TableData{{"Model", "Revision", "Description", "Status"}}
	for _, name := range reg.Names() {
		model, err := reg.Get(name, "latest")
		if err != nil {
			return err
		}
		data = append(data, []string{name, model.Revision, model.Description, modelStatus(&model, cacheDir)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func revisionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "revisions",
		Usage:     "list all revisions of one model",
		ArgsUsage: "<model-name>",
		Action:    runRevisions,
	}
}

func runRevisions(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: kom revisions <model-name>")
	}
	name := c.Args().First()

	reg, cacheDir, err := loadRegistry(c)
	if err != nil {
		return err
	}
	revisions, err := reg.Revisions(name)
	if err != nil {
		return err
	}

	data := pterm.TableData{{"Revision", "Latest", "Description", "Status"}}
	for i, rev := range revisions {
		model, err := reg.Get(name, rev)
		if err != nil {
			return err
		}
		latest := ""
		if i == 0 {
			latest = "*"
		}
		data = append(data, []string{rev, latest, model.Description, modelStatus(&model, cacheDir)})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}

func cleanCommand() *cli.Command {
	return &cli.Command{
		Name:  "clean",
		Usage: "clear the model cache; models are re-downloaded as needed",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "yes", Aliases: []string{"y"}, Usage: "skip the confirmation prompt"},
		},
		Action: runClean,
	}
}

func runClean(c *cli.Context) error {
	_, cacheDir, err := loadRegistry(c)
	if err != nil {
		return err
	}

	if !c.Bool("yes") {
		ok, err := pterm.DefaultInteractiveConfirm.
			WithDefaultValue(false).
			Show(fmt.Sprintf("Clear the model cache at %s?", cacheDir))
		if err != nil {
			return err
		}
		if !ok {
			pterm.Warning.Println("Model cache clearing aborted.")
			return nil
		}
	}

	freed, err := registry.ClearCache(cacheDir)
	if err != nil {
		return err
	}
	if freed == 0 {
		pterm.Info.Println("Model cache is already empty.")
		return nil
	}
	pterm.Success.Printfln("Cleared model cache, freed %.1f MB.", float64(freed)/(1<<20))
	return nil
}

func loadRegistry(c *cli.Context) (*registry.Registry, string, error) {
	cfg, err := config.LoadConfig(c.String("config"))
	if err != nil {
		return nil, "", err
	}
	reg, err := registry.FromConfigDir(cfg.Models.ConfigDir)
	if err != nil {
		return nil, "", err
	}
	cacheDir := cfg.Models.CacheDir
	if cacheDir == "" {
		if cacheDir, err = registry.DefaultCacheDir(); err != nil {
			return nil, "", err
		}
	}
	return reg, cacheDir, nil
}

func modelStatus(model *registry.ModelConfig, cacheDir string) string {
	if !model.IsRemote() {
		if _, err := os.Stat(model.Source); err != nil {
			return "missing"
		}
		return "local"
	}
	if model.IsCached(cacheDir) {
		return "cached"
	}
	return "available"
}
