package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"golang.org/x/time/rate"

	"github.com/ifabos/miniorb/corba"
	"github.com/ifabos/miniorb/giop"
)

const echoRepoID = "IDL:miniorb/Echo:1.0"

func main() {
	app := &cli.App{
		Name:  "orbecho",
		Usage: "Serve and call an echo object over the miniorb protocol",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "Log level (debug, info, warn, error)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logrus.ParseLevel(c.String("log-level"))
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return nil
		},
		Commands: []*cli.Command{
			serveCommand(),
			callCommand(),
			locateCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString(err.Error()))
		os.Exit(1)
	}
}

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Host an echo object and print its IOR",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "listen", Value: "127.0.0.1:2809", Usage: "Endpoint to listen on"},
			&cli.Int64Flag{Name: "max-in-flight", Value: corba.DefaultMaxInFlight, Usage: "Concurrent dispatches per connection"},
			&cli.IntFlag{Name: "workers", Value: corba.DefaultWorkerPoolSize, Usage: "Dispatch worker pool size"},
			&cli.Float64Flag{Name: "rate", Usage: "Requests per second accepted, 0 for no limit"},
		},
		Action: func(c *cli.Context) error {
			opts := []corba.Option{
				corba.WithMaxInFlight(c.Int64("max-in-flight")),
				corba.WithWorkerPoolSize(c.Int("workers")),
			}
			if r := c.Float64("rate"); r > 0 {
				opts = append(opts, corba.WithRateLimit(rate.Limit(r), int(r)+1))
			}
			orb, err := corba.Init(opts...)
			if err != nil {
				return err
			}
			defer orb.Shutdown(true)

			oid, err := orb.RegisterServant(newEchoServant())
			if err != nil {
				return err
			}
			if err := orb.CreateServer(c.String("listen")).Run(); err != nil {
				return err
			}
			ref, err := orb.ObjectToReference(oid)
			if err != nil {
				return err
			}
			fmt.Println(color.GreenString(ref.String()))

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()
			logrus.Info("shutting down")
			return nil
		},
	}
}

func newEchoServant() *corba.DynamicServant {
	servant := corba.NewDynamicServant(echoRepoID)
	servant.AddOperation("echo", func(ctx context.Context, req *corba.ServerRequest) error {
		values, err := req.Arguments.Values()
		if err != nil {
			return corba.BAD_PARAM(1, corba.CompletionStatusNo).WithDescription("%v", err)
		}
		return req.SetResult(values...)
	})
	servant.AddOperation("upper", func(ctx context.Context, req *corba.ServerRequest) error {
		var s string
		if err := req.Decode(&s); err != nil {
			return err
		}
		return req.SetResult(strings.ToUpper(s))
	})
	servant.AddOperation("sleep", func(ctx context.Context, req *corba.ServerRequest) error {
		var ms int64
		if err := req.Decode(&ms); err != nil {
			return err
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	return servant
}

func callCommand() *cli.Command {
	return &cli.Command{
		Name:      "call",
		Usage:     "Invoke an operation on the object named by an IOR",
		ArgsUsage: "IOR OPERATION [ARG...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "encoding", Value: "cdr", Usage: "Argument encoding (cdr, msgpack)"},
			&cli.DurationFlag{Name: "timeout", Value: 5 * time.Second, Usage: "Call deadline"},
			&cli.BoolFlag{Name: "oneway", Usage: "Do not wait for a reply"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() < 2 {
				return cli.Exit("call needs an IOR and an operation", 2)
			}
			enc, err := giop.ParseEncoding(c.String("encoding"))
			if err != nil {
				return err
			}
			ref, err := corba.ParseIOR(c.Args().Get(0))
			if err != nil {
				return err
			}
			operation := c.Args().Get(1)
			args := make([]interface{}, 0, c.NArg()-2)
			for _, a := range c.Args().Slice()[2:] {
				args = append(args, parseArg(a))
			}

			orb, err := corba.Init(corba.WithPayloadEncoding(enc), corba.WithDefaultTimeout(c.Duration("timeout")))
			if err != nil {
				return err
			}
			defer orb.Shutdown(false)

			ctx := c.Context
			if c.Bool("oneway") {
				conn, err := orb.Connect(ctx, ref.Endpoint)
				if err != nil {
					return err
				}
				payload, err := giop.MarshalPayload(enc, args...)
				if err != nil {
					return err
				}
				return orb.Client().CallOneway(ctx, conn, ref.Key, operation, payload)
			}

			result, err := ref.Invoke(ctx, orb.Client(), operation, args...)
			if err != nil {
				return err
			}
			values, err := result.Values()
			if err != nil {
				return err
			}
			for _, v := range values {
				fmt.Printf("%v\n", v)
			}
			return nil
		},
	}
}

func locateCommand() *cli.Command {
	return &cli.Command{
		Name:      "locate",
		Usage:     "Ask whether the object named by an IOR exists",
		ArgsUsage: "IOR",
		Action: func(c *cli.Context) error {
			ref, err := corba.ParseIOR(c.Args().First())
			if err != nil {
				return err
			}
			orb, err := corba.Init()
			if err != nil {
				return err
			}
			defer orb.Shutdown(false)

			here, err := ref.Locate(c.Context, orb.Client())
			if err != nil {
				return err
			}
			if !here {
				fmt.Println(color.YellowString("object not found at %s", ref.Endpoint))
				return cli.Exit("", 1)
			}
			fmt.Println(color.GreenString("object is served at %s", ref.Endpoint))
			return nil
		},
	}
}

// parseArg turns a command line argument into an int64, a float64, a
// bool or a string, whichever parses first.
func parseArg(s string) interface{} {
	var i int64
	if _, err := fmt.Sscanf(s, "%d", &i); err == nil && fmt.Sprint(i) == s {
		return i
	}
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err == nil && strings.ContainsAny(s, ".eE") {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	return s
}
