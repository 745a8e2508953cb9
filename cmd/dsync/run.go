package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dep2p/go-dsync"
)

// runOptions run 命令参数
type runOptions struct {
	configFile   string
	listenAddr   string
	peers        []string
	dataDir      string
	identityFile string
	metricsAddr  string
	stdin        bool
}

func newRunCommand() *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "启动节点",
		Long: "启动 QUIC 节点并拨号 --peer 指定的地址。\n" +
			"启用 --stdin 时，标准输入的每一行 \"<entity> <field> <value>\" 作为属性写入发布。",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configFile, "config", "c", "", "配置文件（JSON 或 YAML）")
	f.StringVarP(&opts.listenAddr, "listen", "l", "", "监听地址，覆盖配置文件")
	f.StringSliceVarP(&opts.peers, "peer", "p", nil, "启动后拨号的节点地址（可重复）")
	f.StringVarP(&opts.dataDir, "data-dir", "d", "", "BadgerDB 数据目录，覆盖配置文件")
	f.StringVarP(&opts.identityFile, "identity", "i", "", "密钥文件，不存在时生成")
	f.StringVar(&opts.metricsAddr, "metrics", "", "Prometheus 指标监听地址，如 127.0.0.1:9100")
	f.BoolVar(&opts.stdin, "stdin", true, "从标准输入读取写入")
	return cmd
}

// buildOptions 构建节点选项
//
// 优先级：命令行参数 > 配置文件 > 默认值
func (o *runOptions) buildOptions() []dsync.Option {
	var opts []dsync.Option
	if o.configFile != "" {
		opts = append(opts, dsync.WithConfigFile(o.configFile))
	}
	if o.listenAddr != "" {
		opts = append(opts, dsync.WithListenAddr(o.listenAddr))
	}
	if len(o.peers) > 0 {
		opts = append(opts, dsync.WithPeers(o.peers...))
	}
	if o.dataDir != "" {
		opts = append(opts, dsync.WithDataDir(o.dataDir))
	}
	if o.identityFile != "" {
		opts = append(opts, dsync.WithIdentityFile(o.identityFile))
	}
	if o.metricsAddr != "" {
		opts = append(opts, dsync.WithMetricsAddr(o.metricsAddr))
	}
	return opts
}

func runNode(ctx context.Context, o *runOptions, in io.Reader, w io.Writer) error {
	out := &syncWriter{w: w}
	logger.Info("启动 dsync 节点", "version", dsync.Version, "commit", dsync.GitCommit)

	node, err := dsync.Start(ctx, o.buildOptions()...)
	if err != nil {
		return err
	}
	defer func() { _ = node.Close() }()

	fmt.Fprintf(out, "节点 ID: %s\n监听地址: %s\n", node.ID(), node.ListenAddr())

	sub, err := node.Subscribe(nil, func(id string, res dsync.MergeOutcome, state map[string]any) {
		fmt.Fprintf(out, "[%s] %s %v\n", res.Kind, id, state)
		if res.RequiresResolution() {
			fmt.Fprintf(out, "  冲突 %s/%s，候选 %d 个\n", res.Conflict.Strategy, res.Conflict.Field, len(res.Conflict.Candidates))
		}
	})
	if err != nil {
		return err
	}
	defer sub.Cancel()

	if o.stdin {
		go readWrites(ctx, node, in, out)
	}

	<-ctx.Done()
	fmt.Fprintln(out, "正在关闭节点...")
	return nil
}

// syncWriter 串行化订阅回调与输入协程的输出
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}

// readWrites 把标准输入的每一行作为属性写入发布
func readWrites(ctx context.Context, node *dsync.Node, in io.Reader, out io.Writer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		entity, field, value, ok := parseWrite(scanner.Text())
		if !ok {
			fmt.Fprintln(out, "格式: <entity> <field> <value>")
			continue
		}
		if _, res, err := node.SetProperty(ctx, entity, field, value); err != nil {
			fmt.Fprintf(out, "写入失败: %v\n", err)
		} else {
			fmt.Fprintf(out, "已发布 %s.%s (%s)\n", entity, field, res.Kind)
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		logger.Warn("读取标准输入失败", "error", err)
	}
}

func parseWrite(line string) (entity, field, value string, ok bool) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], strings.TrimSpace(parts[2]), true
}
