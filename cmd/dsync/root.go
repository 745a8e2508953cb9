package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/dep2p/go-dsync"
	"github.com/dep2p/go-dsync/pkg/lib/log"
)

// rootOptions 全局参数
type rootOptions struct {
	logLevel string
	logJSON  bool
	logFile  string
}

// newRootCommand 创建根命令
func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	var logHandle io.Closer

	cmd := &cobra.Command{
		Use:           "dsync",
		Short:         "dsync 点对点事件传播与协调节点",
		Version:       dsync.VersionInfo(),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			c, err := setupLogging(opts)
			logHandle = c
			return err
		},
		PersistentPostRun: func(_ *cobra.Command, _ []string) {
			if logHandle != nil {
				_ = logHandle.Close()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "日志级别 (debug|info|warn|error)")
	cmd.PersistentFlags().BoolVar(&opts.logJSON, "log-json", false, "以 JSON 格式输出日志")
	cmd.PersistentFlags().StringVar(&opts.logFile, "log", "", "日志文件路径（默认 stderr）")

	cmd.AddCommand(newKeygenCommand())
	cmd.AddCommand(newRunCommand())
	cmd.AddCommand(newInspectCommand())
	cmd.AddCommand(newDemoCommand())
	return cmd
}

// setupLogging 按全局参数配置日志输出
func setupLogging(opts *rootOptions) (io.Closer, error) {
	log.SetLevel(log.ParseLevel(opts.logLevel))

	var (
		w      io.Writer = os.Stderr
		closer io.Closer
	)
	if opts.logFile != "" {
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		w, closer = f, f
	}

	if opts.logJSON {
		log.SetJSONOutput(w)
	} else {
		log.SetOutput(w)
	}
	return closer, nil
}
