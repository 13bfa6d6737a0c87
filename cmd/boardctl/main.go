// Command boardctl is a headless board client. It joins a board on a running
// server as a regular collaborator and either edits it or watches it.
//
//	boardctl [flags] list
//	boardctl [flags] add rect|circle|text|triangle X Y
//	boardctl [flags] move ID X Y
//	boardctl [flags] delete ID
//	boardctl [flags] front|back ID
//	boardctl [flags] watch
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/DoyleJ11/collab-board/internal/canvas"
	"github.com/DoyleJ11/collab-board/internal/command"
	"github.com/DoyleJ11/collab-board/internal/config"
	"github.com/DoyleJ11/collab-board/internal/logging"
	"github.com/DoyleJ11/collab-board/internal/remote"
	"github.com/DoyleJ11/collab-board/internal/session"
	"github.com/DoyleJ11/collab-board/internal/shape"
)

var errUsage = errors.New("usage: boardctl [-board B] [-user U] list|add|move|delete|front|back|watch ...")

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flag.StringVar(&cfg.Sync.ServerURL, "server", cfg.Sync.ServerURL, "board server base URL")
	flag.StringVar(&cfg.Sync.BoardID, "board", cfg.Sync.BoardID, "board code")
	flag.StringVar(&cfg.Sync.UserID, "user", cfg.Sync.UserID, "user id (random when empty)")
	flag.StringVar(&cfg.Sync.UserName, "name", cfg.Sync.UserName, "display name")
	flag.Parse()
	if cfg.Sync.BoardID == "" || flag.NArg() == 0 {
		return errUsage
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scfg := session.FromConfig(cfg.Sync)
	if scfg.UserName == "" {
		scfg.UserName = "boardctl"
	}
	client, err := remote.Dial(ctx, cfg.Sync.ServerURL, scfg.BoardID, scfg.UserID, remote.WithLogger(log))
	if err != nil {
		return err
	}
	defer func() { _ = client.Close() }()

	s, err := session.New(scfg, client, client, log)
	if err != nil {
		return err
	}
	if err := s.Start(ctx); err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Stop(sctx); err != nil {
			log.Warn("stop session", zap.Error(err))
		}
	}()

	args := flag.Args()
	switch args[0] {
	case "list":
		return printShapes(s.Store.State())
	case "watch":
		return watch(ctx, s)
	default:
		cmd, err := parseCommand(s, args)
		if err != nil {
			return err
		}
		if err := s.Execute(ctx, cmd); err != nil {
			return err
		}
		if c, ok := cmd.(*command.Create); ok {
			fmt.Println(c.ShapeID())
		}
		return nil
	}
}

func parseCommand(s *session.Session, args []string) (command.Command, error) {
	switch {
	case args[0] == "add" && len(args) == 4:
		x, y, err := point(args[2], args[3])
		if err != nil {
			return nil, err
		}
		sh, err := newShape(shape.Type(args[1]), x, y, s.UserID())
		if err != nil {
			return nil, err
		}
		return command.NewCreate(s.Sync, sh), nil

	case args[0] == "move" && len(args) == 4:
		x, y, err := point(args[2], args[3])
		if err != nil {
			return nil, err
		}
		return command.NewMove(s.Sync, args[1], canvas.Point{X: x, Y: y})

	case args[0] == "delete" && len(args) == 2:
		return command.NewDelete(s.Sync, args[1])

	case args[0] == "front" && len(args) == 2:
		return command.NewBringToFront(s.Sync, args[1]), nil

	case args[0] == "back" && len(args) == 2:
		return command.NewSendToBack(s.Sync, args[1]), nil
	}
	return nil, errUsage
}

func newShape(t shape.Type, x, y float64, user string) (shape.Shape, error) {
	props := shape.Props{X: x, Y: y, Fill: "#94a3b8", Draggable: true}
	switch t {
	case shape.TypeRect:
		props.Width, props.Height = 100, 60
	case shape.TypeCircle, shape.TypeTriangle:
		props.Radius = 40
	case shape.TypeText:
		props.Text, props.FontSize = "Text", 16
	default:
		return shape.Shape{}, fmt.Errorf("unknown shape type %q", t)
	}
	return shape.Shape{Type: t, Props: props, CreatedBy: user}, nil
}

func point(xs, ys string) (float64, float64, error) {
	x, err := strconv.ParseFloat(xs, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("x: %w", err)
	}
	y, err := strconv.ParseFloat(ys, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("y: %w", err)
	}
	return x, y, nil
}

func printShapes(st canvas.State) error {
	enc := json.NewEncoder(os.Stdout)
	for _, sh := range st.Ordered() {
		if err := enc.Encode(sh); err != nil {
			return err
		}
	}
	return nil
}

// watch prints a summary line whenever the shape count or the set of online
// users changes.
func watch(ctx context.Context, s *session.Session) error {
	states, unsubscribe := s.Store.Subscribe()
	defer unsubscribe()

	last := ""
	for {
		select {
		case <-ctx.Done():
			return nil
		case st, ok := <-states:
			if !ok {
				return nil
			}
			line := fmt.Sprintf("shapes=%d online=[%s]", len(st.Shapes), strings.Join(st.OnlineIDs(), ","))
			if line != last {
				fmt.Println(line)
				last = line
			}
		}
	}
}
