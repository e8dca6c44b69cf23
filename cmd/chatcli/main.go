// Package main starts an interactive terminal client for one chat room.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	chatclicmd "github.com/DmitryDubovikov/tutors-marketplace/internal/cmd/chatcli"
	"github.com/DmitryDubovikov/tutors-marketplace/internal/platform/config"
)

func main() {
	cfg, err := chatclicmd.ParseConfig(flag.CommandLine, os.Args[1:])
	if err != nil {
		config.Exitf("parse flags: %v", err)
	}
	log.SetPrefix("[CHATCLI] ")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := chatclicmd.Run(ctx, cfg); err != nil {
		config.Exitf("chat client: %v", err)
	}
}
