package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/dep2p/go-dsync"
	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/identity"
	"github.com/dep2p/go-dsync/internal/core/transport/memory"
	"github.com/dep2p/go-dsync/pkg/types"
)

// 演示实体
const (
	entityLWW     = "doc-title"
	entitySet     = "doc-tags"
	entityContent = "doc-blob"
	entityDelete  = "doc-asset"
)

func newDemoCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "两个进程内节点演示协调场景",
		Long: "在同一进程内启动 alice 与 bob，断开链路后并发写入，恢复后打印合并结果：\n" +
			"  1. 并发属性写入（最后写入者胜出）\n" +
			"  2. 并发集合添加与移除（添加胜出）\n" +
			"  3. 并发内容写入（人工解决）\n" +
			"  4. 删除与修改并发（人工解决）",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runDemo(ctx, cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "演示超时")
	return cmd
}

// ════════════════════════════════════════════════════════════════════════════
//                              演示节点
// ════════════════════════════════════════════════════════════════════════════

// demoPeer 演示节点
type demoPeer struct {
	name string
	node *dsync.Node
	tr   *memory.Transport

	mu        sync.Mutex
	conflicts map[string]dsync.MergeOutcome
}

func newDemoPeer(ctx context.Context, hub *memory.Hub, name string) (*demoPeer, error) {
	id, err := identity.Generate()
	if err != nil {
		return nil, err
	}
	tr := memory.New(hub, id.PeerID(), 1024)
	if err := tr.Listen(ctx, name); err != nil {
		return nil, err
	}

	cfg := config.NewMemoryConfig()
	cfg.Network.BackoffBase = config.Duration(100 * time.Millisecond)
	cfg.Network.BackoffMax = config.Duration(time.Second)

	node, err := dsync.Start(ctx,
		dsync.WithConfig(cfg),
		dsync.WithIdentity(id.PrivateKey()),
		dsync.WithTransport(tr),
	)
	if err != nil {
		_ = tr.Close()
		return nil, err
	}

	p := &demoPeer{name: name, node: node, tr: tr, conflicts: make(map[string]dsync.MergeOutcome)}
	if _, err := node.Subscribe(nil, p.onOutcome); err != nil {
		_ = node.Close()
		return nil, err
	}
	return p, nil
}

func (p *demoPeer) onOutcome(entityID string, out dsync.MergeOutcome, _ map[string]any) {
	if !out.RequiresResolution() {
		return
	}
	p.mu.Lock()
	p.conflicts[entityID] = out
	p.mu.Unlock()
}

func (p *demoPeer) conflict(entityID string) (dsync.MergeOutcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out, ok := p.conflicts[entityID]
	return out, ok
}

// ════════════════════════════════════════════════════════════════════════════
//                              演示流程
// ════════════════════════════════════════════════════════════════════════════

func runDemo(ctx context.Context, w io.Writer) error {
	hub := memory.NewHub()

	alice, err := newDemoPeer(ctx, hub, "alice")
	if err != nil {
		return err
	}
	defer func() { _ = alice.node.Close() }()

	bob, err := newDemoPeer(ctx, hub, "bob")
	if err != nil {
		return err
	}
	defer func() { _ = bob.node.Close() }()

	if _, err := bob.node.Dial(ctx, "alice"); err != nil {
		return fmt.Errorf("dial alice: %w", err)
	}
	fmt.Fprintf(w, "alice=%s bob=%s 已连接\n", alice.node.ID().ShortString(), bob.node.ID().ShortString())

	// 共同的初始状态
	if err := seed(ctx, alice.node); err != nil {
		return err
	}
	if err := waitFor(ctx, func() bool {
		return hasEntities(ctx, bob.node, entityLWW, entitySet, entityContent, entityDelete)
	}); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}
	fmt.Fprintln(w, "初始状态已同步")

	// 断开链路，两端进入重连等待，期间的写入暂存在待发队列
	if err := partition(ctx, hub, alice, bob); err != nil {
		return err
	}
	fmt.Fprintln(w, "链路已断开，开始并发写入")

	if err := concurrentWrites(ctx, alice.node, bob.node); err != nil {
		return err
	}

	hub.Unblock("alice")
	hub.Unblock("bob")
	fmt.Fprintln(w, "链路已恢复")

	// 1. LWW
	if err := waitFor(ctx, func() bool { return sameView(ctx, alice.node, bob.node, entityLWW) }); err != nil {
		return fmt.Errorf("lww: %w", err)
	}
	view, _ := alice.node.View(ctx, entityLWW)
	fmt.Fprintf(w, "1. 并发属性写入 → title=%v（两端一致）\n", view["title"])

	// 2. add-wins
	if err := waitFor(ctx, func() bool { return sameView(ctx, alice.node, bob.node, entitySet) }); err != nil {
		return fmt.Errorf("set: %w", err)
	}
	view, _ = alice.node.View(ctx, entitySet)
	fmt.Fprintf(w, "2. 并发添加与移除 → tags=%v\n", view["tags"])

	// 3. 内容冲突：alice 选择 bob 的版本
	if err := resolve(ctx, w, alice, bob, entityContent, func(c types.Candidate) bool {
		return c.Source == bob.node.ID()
	}); err != nil {
		return fmt.Errorf("content: %w", err)
	}
	view, _ = bob.node.View(ctx, entityContent)
	fmt.Fprintf(w, "3. 内容冲突已解决 → body=%q\n", view["body"])

	// 4. 删除与修改冲突：alice 取消删除
	if err := resolve(ctx, w, alice, bob, entityDelete, func(c types.Candidate) bool {
		return c.Type == types.EventDeleteCancelled
	}); err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	view, _ = bob.node.View(ctx, entityDelete)
	fmt.Fprintf(w, "4. 删除冲突已解决 → 实体保留 name=%v\n", view["name"])

	stats := alice.node.Stats()
	fmt.Fprintf(w, "alice: 发布 %d，接收 %d，重复 %d\n",
		stats.Events.Published, stats.Events.Received, stats.Events.Duplicates)
	return nil
}

func seed(ctx context.Context, n *dsync.Node) error {
	steps := []func() error{
		func() error {
			_, _, err := n.Create(ctx, entityLWW, map[string]any{"title": "draft"})
			return err
		},
		func() error {
			_, _, err := n.AddToSet(ctx, entitySet, "tags", "red", "green")
			return err
		},
		func() error {
			_, _, err := n.SetContent(ctx, entityContent, "body", []byte("v0"))
			return err
		},
		func() error {
			_, _, err := n.Create(ctx, entityDelete, map[string]any{"name": "logo"})
			return err
		},
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return fmt.Errorf("seed: %w", err)
		}
	}
	return nil
}

func partition(ctx context.Context, hub *memory.Hub, alice, bob *demoPeer) error {
	hub.Block("alice")
	hub.Block("bob")
	alice.tr.Sever(bob.node.ID(), fmt.Errorf("%w: demo partition", types.ErrTransport))
	return waitFor(ctx, func() bool {
		return len(alice.node.Peers()) == 0 && len(bob.node.Peers()) == 0
	})
}

func concurrentWrites(ctx context.Context, alice, bob *dsync.Node) error {
	var errs []error
	collect := func(_ *dsync.Event, _ dsync.MergeOutcome, err error) {
		errs = append(errs, err)
	}

	collect(alice.SetProperty(ctx, entityLWW, "title", "alice's title"))
	collect(bob.SetProperty(ctx, entityLWW, "title", "bob's title"))

	collect(alice.AddToSet(ctx, entitySet, "tags", "red"))
	collect(bob.RemoveFromSet(ctx, entitySet, "tags", "red", "green"))

	collect(alice.SetContent(ctx, entityContent, "body", []byte("from alice")))
	collect(bob.SetContent(ctx, entityContent, "body", []byte("from bob")))

	collect(alice.Delete(ctx, entityDelete, "cleanup"))
	collect(bob.SetProperty(ctx, entityDelete, "name", "logo-v2"))

	return errors.Join(errs...)
}

// resolve 等待 alice 收到冲突，按 pick 选择候选并等待两端一致
func resolve(ctx context.Context, w io.Writer, alice, bob *demoPeer, entityID string, pick func(types.Candidate) bool) error {
	var out dsync.MergeOutcome
	if err := waitFor(ctx, func() bool {
		var ok bool
		out, ok = alice.conflict(entityID)
		return ok
	}); err != nil {
		return err
	}

	fmt.Fprintf(w, "   %s 冲突（%s），候选:\n", entityID, out.Conflict.Strategy)
	var chosen *types.Candidate
	for i, c := range out.Conflict.Candidates {
		fmt.Fprintf(w, "     - %s %s\n", c.Source.ShortString(), c.Type)
		if chosen == nil && pick(c) {
			chosen = &out.Conflict.Candidates[i]
		}
	}
	if chosen == nil {
		return errors.New("no matching candidate")
	}

	ev, err := alice.node.Resolve(ctx, entityID, *chosen)
	if err != nil {
		return err
	}
	return waitFor(ctx, func() bool {
		rec, err := bob.node.Record(ctx, entityID)
		if err != nil || !rec.Applied.Contains(ev.Dot()) {
			return false
		}
		return sameView(ctx, alice.node, bob.node, entityID)
	})
}

// ════════════════════════════════════════════════════════════════════════════
//                              辅助
// ════════════════════════════════════════════════════════════════════════════

func waitFor(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func hasEntities(ctx context.Context, n *dsync.Node, ids ...string) bool {
	for _, id := range ids {
		if _, err := n.Record(ctx, id); err != nil {
			return false
		}
	}
	return true
}

func sameView(ctx context.Context, a, b *dsync.Node, entityID string) bool {
	ra, err := a.Record(ctx, entityID)
	if err != nil {
		return false
	}
	rb, err := b.Record(ctx, entityID)
	if err != nil {
		return false
	}
	return ra.Clock.Compare(rb.Clock) == types.OrderEqual &&
		len(ra.State.PendingDeletes) == 0 && len(rb.State.PendingDeletes) == 0 &&
		fmt.Sprint(ra.View()) == fmt.Sprint(rb.View())
}
