package main

import (
	"context"
	"fmt"
	"os"

	"github.com/alexschlessinger/pollyd/internal/config"
	"github.com/urfave/cli/v3"
)

func schemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "Print the JSON schema of the provider catalog",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "output",
				Aliases: []string{"o"},
				Usage:   "Write the schema to a file instead of stdout",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			data, err := config.CatalogSchema()
			if err != nil {
				return err
			}
			if path := cmd.String("output"); path != "" {
				return os.WriteFile(path, append(data, '\n'), 0o644)
			}
			fmt.Println(string(data))
			return nil
		},
	}
}
