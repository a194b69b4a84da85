package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 載入 .env 與設定 slog
// 3. 任何錯誤（包含斷言失敗）都以 exit status 1 結束
// ============================================================================

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/ChuLiYu/drop-order/internal/cli"
	"github.com/joho/godotenv"
)

var version = "dev"

func main() {
	_ = godotenv.Load()

	level := slog.LevelInfo
	if os.Getenv("DROPORDER_DEBUG") == "true" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if version != "dev" {
		cli.Version = version
	}

	rootCmd := cli.BuildCLI()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
