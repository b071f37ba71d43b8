package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vonshlovens/driveseer/internal/config"
)

// configFile mirrors the config layout with yaml tags for generation.
type configFile struct {
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Database string `yaml:"database"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`
	Queue struct {
		URL string `yaml:"url"`
	} `yaml:"queue"`
	Drive struct {
		ServiceKey string `yaml:"service_key"`
	} `yaml:"drive"`
	Gemini struct {
		APIKey    string `yaml:"api_key"`
		ProjectID string `yaml:"project_id"`
		Region    string `yaml:"region"`
	} `yaml:"gemini"`
	Limits struct {
		MaxImagesPerFolder int `yaml:"max_images_per_folder"`
	} `yaml:"limits"`
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Interactive setup to create config file",
		Long:  `Interactively creates a configuration file with database, queue and API settings.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reader := bufio.NewReader(os.Stdin)
			prompt := func(label, fallback string) string {
				if fallback != "" {
					fmt.Printf("%s [%s]: ", label, fallback)
				} else {
					fmt.Printf("%s: ", label)
				}
				line, _ := reader.ReadString('\n')
				line = strings.TrimSpace(line)
				if line == "" {
					return fallback
				}
				return line
			}

			fmt.Println("=== Driveseer Setup ===")
			fmt.Println()

			cf := configFile{}

			fmt.Println("Database Configuration:")
			cf.Database.Host = prompt("  Host", "localhost")
			port, err := strconv.Atoi(prompt("  Port", "5432"))
			if err != nil {
				return fmt.Errorf("invalid port: %w", err)
			}
			cf.Database.Port = port
			cf.Database.User = prompt("  User", "")
			password := prompt("  Password", "")
			cf.Database.Password = "${DB_PASSWORD}"
			cf.Database.Database = prompt("  Database name", "driveseer")
			cf.Database.SSLMode = prompt("  SSL mode", "require")

			fmt.Println("\nQueue Configuration:")
			cf.Queue.URL = prompt("  NATS URL", "nats://localhost:4222")

			fmt.Println("\nGoogle APIs:")
			cf.Drive.ServiceKey = "${DRIVE_SERVICE_KEY}"
			cf.Gemini.APIKey = "${GEMINI_API_KEY}"
			cf.Gemini.ProjectID = prompt("  GCP project id", "")
			cf.Gemini.Region = prompt("  Vertex AI region", "us-central1")

			capStr := prompt("\nMax images per folder (0 = unlimited)", "0")
			maxImages, err := strconv.Atoi(capStr)
			if err != nil || maxImages < 0 {
				return fmt.Errorf("invalid folder cap: %q", capStr)
			}
			cf.Limits.MaxImagesPerFolder = maxImages

			data, err := yaml.Marshal(&cf)
			if err != nil {
				return fmt.Errorf("failed to render config: %w", err)
			}

			configDir, err := config.GetConfigDir()
			if err != nil {
				return err
			}
			configPath := filepath.Join(configDir, "config.yaml")

			if err := os.WriteFile(configPath, data, 0600); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}

			fmt.Printf("\nConfig file written to: %s\n", configPath)
			fmt.Println("\nIMPORTANT: Set the secret environment variables:")
			if password != "" {
				fmt.Printf("  export DB_PASSWORD='%s'\n", password)
			} else {
				fmt.Println("  export DB_PASSWORD='...'")
			}
			fmt.Println("  export DRIVE_SERVICE_KEY='...'")
			fmt.Println("  export GEMINI_API_KEY='...'")
			fmt.Println("\nTo run migrations: driveseer migrate")
			fmt.Println("To start everything in one process: driveseer serve --standalone")
			fmt.Println("Or separately: driveseer serve  /  driveseer worker")

			return nil
		},
	}
}
