// nanoscalectl is a small diagnostic client/server CLI built directly
// against the socket package, outside the core library's scope (spec.md
// §1) but included the way kcptun ships its own client/server binaries
// on top of the smux/kcp-go core.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"github.com/pkg/errors"
	"github.com/urfave/cli"

	"github.com/nanoscale/nanoscale/aio"
	"github.com/nanoscale/nanoscale/message"
	"github.com/nanoscale/nanoscale/nslog"
	"github.com/nanoscale/nanoscale/pipe"
	"github.com/nanoscale/nanoscale/socket"
	"github.com/nanoscale/nanoscale/stream"
	"github.com/nanoscale/nanoscale/sysctx"
)

// VERSION is injected by build flags; see kcptun's cmd/*/main.go.
var VERSION = "SELFBUILD"

func main() {
	app := cli.NewApp()
	app.Name = "nanoscalectl"
	app.Usage = "dial or serve a nanoscale framed-message endpoint"
	app.Version = VERSION
	app.Commands = []cli.Command{
		dialCommand,
		serveCommand,
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var dialCommand = cli.Command{
	Name:  "dial",
	Usage: "connect once, send a body, print pipe statistics",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "addr", Value: "127.0.0.1:4433", Usage: "tcp host:port to dial"},
		cli.IntFlag{Name: "proto", Value: 0, Usage: "16-bit protocol identity to negotiate"},
		cli.StringFlag{Name: "body", Value: "ping", Usage: "message body to send"},
		cli.BoolFlag{Name: "verbose", Usage: "enable structured logging to stderr"},
	},
	Action: func(c *cli.Context) error {
		sys := newSystem(c.Bool("verbose"))
		defer sys.Close()

		sock := socket.New(sys, uint16(c.Int("proto")))
		defer sock.Close()

		ep, err := sock.Dial(stream.NewTCPDialer(c.String("addr")))
		if err != nil {
			return errors.Wrap(err, "attach dialer")
		}

		p, err := connectOnce(sys, ep)
		if err != nil {
			return errors.Wrap(err, "connect")
		}
		defer p.Rele()

		if err := sendOnce(sys, p, []byte(c.String("body"))); err != nil {
			return errors.Wrap(err, "send")
		}

		rx, tx, rm, tm := p.Stats()
		fmt.Printf("pipe %d: rx=%dB/%dmsg tx=%dB/%dmsg peer-proto=%d\n",
			p.ID(), rx, rm, tx, tm, p.Peer())
		return nil
	},
}

var serveCommand = cli.Command{
	Name:  "serve",
	Usage: "listen, echo every received message back to its sender",
	Flags: []cli.Flag{
		cli.StringFlag{Name: "addr", Value: ":4433", Usage: "tcp host:port to listen on"},
		cli.IntFlag{Name: "proto", Value: 0, Usage: "16-bit protocol identity to negotiate"},
		cli.DurationFlag{Name: "stats-every", Value: 10 * time.Second, Usage: "socket-wide stats print interval, 0 disables"},
		cli.BoolFlag{Name: "verbose", Usage: "enable structured logging to stderr"},
	},
	Action: func(c *cli.Context) error {
		sys := newSystem(c.Bool("verbose"))
		defer sys.Close()

		sock := socket.New(sys, uint16(c.Int("proto")))
		defer sock.Close()

		ln, err := stream.Listen("tcp", c.String("addr"))
		if err != nil {
			return errors.Wrap(err, "listen")
		}
		ep, err := sock.Listen(ln)
		if err != nil {
			return errors.Wrap(err, "attach listener")
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt)
		stopStats := make(chan struct{})

		if interval := c.Duration("stats-every"); interval > 0 {
			go printStatsLoop(sock, interval, stopStats)
		}

		go acceptLoop(sys, ep)

		<-sigCh
		close(stopStats)
		return ep.Close()
	},
}

func newSystem(verbose bool) *sysctx.System {
	cfg := sysctx.NewConfig()
	if verbose {
		cfg.Logger = nslog.FromSlog(slog.New(slog.NewTextHandler(os.Stderr, nil)))
	}
	return sysctx.New(cfg)
}

// connectOnce drives a single Endpoint.Connect to completion, bridging
// the asynchronous AIO callback onto a blocking call the way gaio's own
// _test.go helpers do for one-shot request/response checks.
func connectOnce(sys *sysctx.System, ep *socket.Endpoint) (*pipe.Pipe, error) {
	done := make(chan struct{})
	var result *pipe.Pipe
	var resultErr error

	a := aio.New(sys, func(a *aio.AIO) {
		if err := a.Result(); err != nil {
			resultErr = err
		} else {
			result, _ = a.GetOutput(0).(*pipe.Pipe)
		}
		close(done)
	})
	a.SetTimeout(aio.TimeoutInfinite)
	ep.Connect(a)
	<-done
	if resultErr != nil {
		return nil, resultErr
	}
	return result, nil
}

func sendOnce(sys *sysctx.System, p *pipe.Pipe, body []byte) error {
	done := make(chan struct{})
	var sendErr error
	a := aio.New(sys, func(a *aio.AIO) {
		sendErr = a.Result()
		close(done)
	})
	a.SetTimeout(aio.TimeoutInfinite)
	a.SetMsg(&message.Msg{Body: body})
	p.Send(a)
	<-done
	return sendErr
}

// acceptLoop drains ep.Accept forever, spawning an echo goroutine per
// admitted pipe, until the endpoint is closed.
func acceptLoop(sys *sysctx.System, ep *socket.Endpoint) {
	for {
		done := make(chan struct{})
		var p *pipe.Pipe
		var acceptErr error
		a := aio.New(sys, func(a *aio.AIO) {
			if err := a.Result(); err != nil {
				acceptErr = err
			} else {
				p, _ = a.GetOutput(0).(*pipe.Pipe)
			}
			close(done)
		})
		a.SetTimeout(aio.TimeoutInfinite)
		ep.Accept(a)
		<-done
		if acceptErr != nil {
			return
		}
		go echoPipe(sys, p)
	}
}

func echoPipe(sys *sysctx.System, p *pipe.Pipe) {
	defer p.Rele()
	for {
		done := make(chan struct{})
		var msg *message.Msg
		var recvErr error
		ra := aio.New(sys, func(a *aio.AIO) {
			if err := a.Result(); err != nil {
				recvErr = err
			} else {
				msg = a.GetMsg()
			}
			close(done)
		})
		ra.SetTimeout(aio.TimeoutInfinite)
		p.Recv(ra)
		<-done
		if recvErr != nil {
			return
		}

		sdone := make(chan struct{})
		sa := aio.New(sys, func(a *aio.AIO) { close(sdone) })
		sa.SetTimeout(aio.TimeoutInfinite)
		sa.SetMsg(msg)
		p.Send(sa)
		<-sdone
	}
}

func printStatsLoop(sock *socket.Socket, interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rx, tx, rm, tm := sock.Stats()
			fmt.Fprintf(os.Stderr, "stats: rx=%dB/%dmsg tx=%dB/%dmsg\n", rx, rm, tx, tm)
		case <-stop:
			return
		}
	}
}
