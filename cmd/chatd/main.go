package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/matheus3301/chatd/internal/daemon"
	"github.com/matheus3301/chatd/internal/session"
	"go.uber.org/fx"
)

func main() {
	_ = godotenv.Load()

	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	noConnect := flag.Bool("no-connect", false, "do not open the realtime channel on startup")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			AutoConnect: !*noConnect,
		}),
	)

	app.Run()
}
