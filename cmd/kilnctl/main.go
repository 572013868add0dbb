// kilnctl：命令行下的筛选、标注与导出工具，与 Web 服务共用同一套数据集与标注格式
package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"kiln-label/internal/config"
	"kiln-label/internal/dataset"
	"kiln-label/internal/logger"
	"kiln-label/internal/session"

	"github.com/spf13/cobra"
)

// timeNow：导出文件名的时间源
var timeNow = time.Now

func main() {
	config.LoadDotenv()
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var logLevel string
	cmd := &cobra.Command{
		Use:           "kilnctl",
		Short:         "Filter, label and export brick-kiln candidate tiles",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.SetupWriter(cmd.ErrOrStderr(), logLevel, os.Getenv("LOG_FORMAT"))
		},
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")

	cmd.AddCommand(filterCmd(), exportCmd(), labelCmd(), archiveCmd())
	return cmd
}

// loadLabels：读取标注 JSON（filename -> bool）；文件不存在时返回空集
func loadLabels(path string) (*session.LabelStore, error) {
	ls := session.NewLabelStore()
	if path == "" {
		return ls, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return ls, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, ls); err != nil {
		return nil, fmt.Errorf("parse labels %s: %w", path, err)
	}
	return ls, nil
}

func saveLabels(path string, ls *session.LabelStore) error {
	b, err := json.MarshalIndent(ls.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// loadTable：数据集名取相对工作目录的路径（如 data/up.csv），与 Web 目录及归档记录一致；
// 工作目录之外的文件退回文件名
func loadTable(path string) (*dataset.Table, error) {
	t, err := dataset.Load(path)
	if err != nil {
		return nil, err
	}
	t.Name = datasetName(path)
	return t, nil
}

func datasetName(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Base(path)
	}
	wd, err := os.Getwd()
	if err != nil {
		return filepath.Base(path)
	}
	rel, err := filepath.Rel(wd, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Base(path)
	}
	return filepath.ToSlash(rel)
}
