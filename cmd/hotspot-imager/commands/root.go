package commands

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "hotspot-imager",
	Short: "Kiwix Hotspot - offline content image builder",
	Long:  `Builds Kiwix Hotspot disk images from the base image and optionally writes them to an SD card.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("build-dir", ".", "Directory receiving built images")
	rootCmd.PersistentFlags().String("cache-dir", ".artifacts/cache", "Download cache directory")
	rootCmd.PersistentFlags().String("sqlite-path", ".artifacts/builds.db", "SQLite database path")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm", "FSM BoltDB directory")
	rootCmd.PersistentFlags().String("s3-bucket", "kiwix-hotspot", "S3 bucket holding the base image")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region")
	rootCmd.PersistentFlags().String("base-image-key", "images/hotspot-master.img.zip", "Object key of the base image archive")
	rootCmd.PersistentFlags().Int64("max-file-size", 32*1024*1024*1024, "Max extracted image size in bytes")
	rootCmd.PersistentFlags().Float64("max-compression-ratio", 100.0, "Max compression ratio")
	rootCmd.PersistentFlags().Duration("settle-master", 20*time.Second, "Wait after mastering before renaming the image")
	rootCmd.PersistentFlags().Duration("settle-erase", 15*time.Second, "Wait after erasing the SD card")
	rootCmd.PersistentFlags().Duration("settle-write", 5*time.Second, "Wait after writing before verification")
	rootCmd.PersistentFlags().Int("retry-attempts", 4, "Attempts for rename and verification")
	rootCmd.PersistentFlags().Duration("retry-backoff", 5*time.Second, "Backoff step between attempts")
	rootCmd.PersistentFlags().Int("write-chunk-size", 4*1024*1024, "Device write chunk size in bytes")
	rootCmd.PersistentFlags().Bool("durable", false, "Persist stage transitions through the FSM store")

	for _, name := range []string{
		"build-dir", "cache-dir", "sqlite-path", "fsm-db-path",
		"s3-bucket", "s3-region", "base-image-key",
		"max-file-size", "max-compression-ratio",
		"settle-master", "settle-erase", "settle-write",
		"retry-attempts", "retry-backoff", "write-chunk-size", "durable",
	} {
		viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}
