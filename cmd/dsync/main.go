// Package main 提供 dsync 命令行入口
//
// 子命令：
//   - keygen: 生成节点密钥文件
//   - run: 启动 QUIC 节点，把标准输入的每一行作为属性写入发布
//   - inspect: 读取 BadgerDB 数据目录中的实体记录
//   - demo: 两个进程内节点演示四种协调场景
package main

import (
	"fmt"
	"os"

	"github.com/dep2p/go-dsync/pkg/lib/log"
)

var logger = log.Logger("dsync/cmd")

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}
