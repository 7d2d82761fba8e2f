package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"golang.org/x/term"

	"github.com/docopt/docopt-go"
	"github.com/golang/glog"

	"github.com/BazirGames/Remote/remote"
)

const RemoteCtlVersion = "0.0.1"

const DefaultAddr = ":8080"
const DefaultHost = "game"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	flag.Set("logtostderr", "true")
	flag.Set("stderrthreshold", "WARNING")
}

func main() {
	usage := fmt.Sprintf(
		`Remote control.

The default host is "%s". Node paths are <host>/<node>/<child>...

Usage:
    remotectl serve [--addr=<addr>] --secret=<secret> [--timeout=<seconds>] [--verbose=<level>]
    remotectl token --secret=<secret> [--peer_id=<peer_id>]
    remotectl mirror --url=<url> --token=<token> [--timeout=<seconds>] [--verbose=<level>]
        [<path>]
    remotectl invoke --url=<url> --token=<token> [--timeout=<seconds>] [--verbose=<level>]
        <path> [<arg>...]

Options:
    -h --help                Show this screen.
    --version                Show version.
    --addr=<addr>            Listen address [default: %s].
    --secret=<secret>        Shared secret for replica tokens.
    --peer_id=<peer_id>      Replica peer id. A new id by default.
    --url=<url>              Websocket url of the authoritative host.
    --token=<token>          Replica token.
    --timeout=<seconds>      Call timeout in seconds.
    --verbose=<level>        Glog verbosity [default: 0].`,
		DefaultHost,
		DefaultAddr,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RemoteCtlVersion)
	if err != nil {
		panic(err)
	}

	if level, err := opts.String("--verbose"); err == nil {
		flag.Set("v", level)
	}

	if serve_, _ := opts.Bool("serve"); serve_ {
		serve(opts)
	} else if token_, _ := opts.Bool("token"); token_ {
		token(opts)
	} else if mirror_, _ := opts.Bool("mirror"); mirror_ {
		mirror(opts)
	} else if invoke_, _ := opts.Bool("invoke"); invoke_ {
		invoke(opts)
	}
}

// cancelled on interrupt
func signalCtx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

func engineSettings(opts docopt.Opts) *remote.EngineSettings {
	settings := remote.DefaultEngineSettings()
	if timeout, err := opts.Float64("--timeout"); err == nil {
		err := settings.SetSettings(map[string]any{
			remote.SettingServerTimeout: timeout,
			remote.SettingClientTimeout: timeout,
		})
		if err != nil {
			Err.Printf("Invalid timeout (%s).\n", err)
			os.Exit(1)
		}
	}
	return settings
}

// hosts the `Net` container with an echo `Function` and a ticking `Event`
func serve(opts docopt.Opts) {
	addr, _ := opts.String("--addr")
	secret, _ := opts.String("--secret")

	ctx, cancel := signalCtx()
	defer cancel()

	transport := remote.NewAuthoritativeTransport(ctx)
	defer transport.Close()

	settings := engineSettings(opts)
	settings.OnProtocolViolation = func(peerId remote.Id, err error) {
		Err.Printf("Protocol violation from %s (%s). Evicting.\n", peerId, err)
		transport.Evict(peerId)
	}
	engine := remote.NewEngine(ctx, transport, settings)
	defer engine.Close()

	transport.AddPeerAddedCallback(func(peerId remote.Id) {
		Out.Printf("+%s\n", peerId)
	})
	transport.AddPeerRemovedCallback(func(peerId remote.Id) {
		Out.Printf("-%s\n", peerId)
	})

	net, err := remote.NewContainer(ctx, "Net", []string{"Event", "Function"}, engine.Host(DefaultHost))
	if err != nil {
		Err.Printf("Could not create Net (%s).\n", err)
		return
	}
	net.SetTag("started", time.Now().UTC().Format(time.RFC3339))
	net.Get("Function").SetInvokeHandler(func(peerId remote.Id, args []any) (any, error) {
		Out.Printf("%s invoke %v\n", peerId, args)
		return args, nil
	})
	event := net.Get("Event")
	event.OnEvent(func(peerId remote.Id, args []any) {
		Out.Printf("%s event %v\n", peerId, args)
	})

	server := &http.Server{
		Addr:    addr,
		Handler: remote.NewWsServer(ctx, transport, []byte(secret), remote.DefaultWsSettings()),
	}
	go func() {
		defer cancel()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			Err.Printf("Server error (%s).\n", err)
		}
	}()
	Out.Printf("Serving %s on %s\n", net.Address(), addr)

	tick := 0
	for {
		select {
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			server.Shutdown(shutdownCtx)
			return
		case <-time.After(5 * time.Second):
			tick += 1
			if err := event.FireAllReplicas("tick", tick); err != nil {
				glog.Infof("[remotectl]tick error = %s\n", err)
			}
		}
	}
}

func token(opts docopt.Opts) {
	secret, _ := opts.String("--secret")

	var peerId remote.Id
	if peerIdStr, err := opts.String("--peer_id"); err == nil {
		peerId, err = remote.ParseId(peerIdStr)
		if err != nil {
			Err.Printf("Invalid peer_id (%s).\n", err)
			os.Exit(1)
		}
	} else {
		peerId = remote.NewId()
	}

	tokenStr, err := remote.NewPeerToken([]byte(secret), peerId)
	if err != nil {
		Err.Printf("Could not sign token (%s).\n", err)
		os.Exit(1)
	}
	Out.Printf("%s\n", tokenStr)
}

func connectReplica(ctx context.Context, opts docopt.Opts) (*remote.Engine, error) {
	wsUrl, _ := opts.String("--url")
	tokenStr, _ := opts.String("--token")

	conn, err := remote.DialWs(ctx, wsUrl, tokenStr, remote.DefaultWsSettings())
	if err != nil {
		return nil, err
	}
	transport := remote.NewReplicaTransport(ctx, conn)
	return remote.NewEngine(ctx, transport, engineSettings(opts)), nil
}

func splitPath(path string) (hostName string, nodePaths []string, err error) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 {
		return "", nil, fmt.Errorf("path must be <host>/<node>, got %s", path)
	}
	return parts[0], parts[1:], nil
}

// builds the shadow of the top node and walks down to the node at `path`
func findNode(ctx context.Context, engine *remote.Engine, path string) (*remote.RemoteNode, error) {
	hostName, nodePaths, err := splitPath(path)
	if err != nil {
		return nil, err
	}
	node, err := remote.NewRemote(ctx, nodePaths[0], engine.Host(hostName))
	if err != nil {
		return nil, err
	}
	for _, nodePath := range nodePaths[1:] {
		child := node.Child(nodePath)
		if child == nil {
			return nil, fmt.Errorf("%s has no child %s", node.Address(), nodePath)
		}
		node = child
	}
	return node, nil
}

func mirror(opts docopt.Opts) {
	path, err := opts.String("<path>")
	if err != nil || path == "" {
		path = DefaultHost + "/Net"
	}

	ctx, cancel := signalCtx()
	defer cancel()

	engine, err := connectReplica(ctx, opts)
	if err != nil {
		Err.Printf("Could not connect (%s).\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	var node *remote.RemoteNode
	remote.Trace(fmt.Sprintf("[remotectl]mirror %s", path), func() {
		node, err = findNode(ctx, engine, path)
	})
	if err != nil {
		Err.Printf("Could not mirror %s (%s).\n", path, err)
		os.Exit(1)
	}

	printTree(node.Tree(), node.Address())
	watch(node)

	select {
	case <-ctx.Done():
	case <-engine.Done():
		Err.Printf("Disconnected.\n")
	}
}

// prints child and event deltas for the subtree
func watch(node *remote.RemoteNode) {
	address := node.Address()
	node.OnEvent(func(peerId remote.Id, args []any) {
		Out.Printf("%s event %v\n", address, args)
	})
	node.OnChildAdded(func(child *remote.RemoteNode) {
		Out.Printf("+%s\n", child.Address())
		watch(child)
	})
	node.OnChildRemoved(func(child *remote.RemoteNode) {
		Out.Printf("-%s/%s\n", address, child.Path())
	})
	for _, child := range node.Children() {
		watch(child)
	}
}

func formatTags(tags map[string]any) string {
	keys := maps.Keys(tags)
	slices.Sort(keys)
	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, tags[key]))
	}
	return strings.Join(parts, " ")
}

// an indented tree on a terminal, one line per node otherwise
func printTree(tree *remote.NodeTree, address string) {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		printIndented(tree, 0)
	} else {
		printLines(tree, address)
	}
}

func printIndented(tree *remote.NodeTree, depth int) {
	Out.Printf("%s%s (%s) %s\n", strings.Repeat("  ", depth), tree.Path, tree.Kind, formatTags(tree.Tags))
	for _, child := range tree.Children {
		printIndented(child, depth+1)
	}
}

func printLines(tree *remote.NodeTree, address string) {
	Out.Printf("%s\t%s\t%s\n", address, tree.Kind, formatTags(tree.Tags))
	for _, child := range tree.Children {
		printLines(child, address+"/"+url.PathEscape(child.Path))
	}
}

func invoke(opts docopt.Opts) {
	path, _ := opts.String("<path>")
	argStrs, _ := opts["<arg>"].([]string)

	ctx, cancel := signalCtx()
	defer cancel()

	engine, err := connectReplica(ctx, opts)
	if err != nil {
		Err.Printf("Could not connect (%s).\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	node, err := findNode(ctx, engine, path)
	if err != nil {
		Err.Printf("Could not find %s (%s).\n", path, err)
		os.Exit(1)
	}

	args := make([]any, 0, len(argStrs))
	for _, argStr := range argStrs {
		args = append(args, argStr)
	}
	result, err := remote.TraceWithReturnError(
		fmt.Sprintf("[remotectl]invoke %s", node.Address()),
		func() (any, error) {
			return node.InvokeAuthoritative(ctx, args...)
		},
	)
	if err != nil {
		Err.Printf("Invoke failed (%s).\n", err)
		os.Exit(1)
	}
	Out.Printf("%v\n", result)
}
