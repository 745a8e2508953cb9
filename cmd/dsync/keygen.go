package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dep2p/go-dsync/config"
	"github.com/dep2p/go-dsync/internal/core/identity"
)

func newKeygenCommand() *cobra.Command {
	var (
		out   string
		force bool
	)

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "生成节点密钥文件",
		Long: "生成 ed25519 节点密钥并写入文件。\n" +
			"若设置了环境变量 " + config.DefaultIdentityConfig().PassphraseEnv + "，密钥以该口令加密。",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !force {
				if _, err := os.Stat(out); err == nil {
					return fmt.Errorf("%s already exists (use --force to overwrite)", out)
				}
			}

			id, err := identity.Generate()
			if err != nil {
				return err
			}
			if err := identity.SaveKeyFile(id, out, config.DefaultIdentityConfig().Passphrase()); err != nil {
				return err
			}

			logger.Info("已生成密钥文件", "file", out)
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", id.PeerID())
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "dsync.key", "密钥文件路径")
	cmd.Flags().BoolVar(&force, "force", false, "覆盖已存在的文件")
	return cmd
}
