package cmd

import (
	"errors"
	"io/fs"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var envFile string

var rootCmd = &cobra.Command{
	Use:     "ffbot",
	Short:   "Run ffmpeg jobs with live progress",
	Long:    "ffbot turns media job requests into ffmpeg runs, reports their progress and delivers the results over HTTP or Telegram.",
	Version: "1.0.0",
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initEnv)
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading FFBOT_* variables")
}

// initEnv loads variables from the dotenv file if it exists. Values already
// present in the environment are left alone.
func initEnv() {
	if envFile == "" {
		return
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Println("failed to read env file:", err)
		os.Exit(1)
	}
}
