package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"

	"covenant/pkg/ccldsl"
	"covenant/pkg/ccleval"
	"covenant/pkg/cclir"
	"covenant/pkg/chain"
	"covenant/pkg/eventbus"
)

var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "parse":
		return parseCmd(args[1:], out)
	case "fmt":
		return fmtCmd(args[1:], out)
	case "eval":
		return evalCmd(args[1:], out)
	case "narrow":
		return narrowCmd(args[1:], out)
	case "tail":
		return tailCmd(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "covctl commands:")
	fmt.Fprintln(out, "  parse  --file constraints.ccl")
	fmt.Fprintln(out, "  fmt    --file constraints.ccl")
	fmt.Fprintln(out, "  eval   --file constraints.ccl --action file.read --resource /data/x [--context ctx.json]")
	fmt.Fprintln(out, "  narrow --child child.ccl --parent parent.ccl")
	fmt.Fprintln(out, "  tail   [--brokers localhost:9092] [--topic covenant.decisions] [--group covctl]")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func parseCmd(args []string, out io.Writer) error {
	fs := newFlagSet("parse")
	file := fs.String("file", "", "CCL source file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	doc, err := loadDocument(*file)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%d statements: %d permits, %d denies, %d requires, %d limits\n",
		len(doc.Statements), len(doc.Permits()), len(doc.Denies()), len(doc.Requires()), len(doc.Limits()))
	return nil
}

func fmtCmd(args []string, out io.Writer) error {
	fs := newFlagSet("fmt")
	file := fs.String("file", "", "CCL source file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	doc, err := loadDocument(*file)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, ccldsl.Serialize(doc))
	return nil
}

func evalCmd(args []string, out io.Writer) error {
	fs := newFlagSet("eval")
	file := fs.String("file", "", "CCL source file")
	action := fs.String("action", "", "action to evaluate")
	resource := fs.String("resource", "", "resource to evaluate")
	ctxPath := fs.String("context", "", "optional JSON context file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *action == "" || *resource == "" {
		return errors.New("action and resource required")
	}
	doc, err := loadDocument(*file)
	if err != nil {
		return err
	}
	var ctx map[string]interface{}
	if *ctxPath != "" {
		raw, err := os.ReadFile(*ctxPath)
		if err != nil {
			return fmt.Errorf("read context: %w", err)
		}
		if err := json.Unmarshal(raw, &ctx); err != nil {
			return fmt.Errorf("parse context: %w", err)
		}
	}
	verdict := ccleval.Evaluate(doc, *action, *resource, ctx)
	if verdict.Permitted {
		fmt.Fprintf(out, "permitted: %s\n", verdict.Reason)
		return nil
	}
	if verdict.Severity != "" {
		fmt.Fprintf(out, "denied (%s): %s\n", verdict.Severity, verdict.Reason)
	} else {
		fmt.Fprintf(out, "denied: %s\n", verdict.Reason)
	}
	return nil
}

func narrowCmd(args []string, out io.Writer) error {
	fs := newFlagSet("narrow")
	childPath := fs.String("child", "", "child CCL source file")
	parentPath := fs.String("parent", "", "parent CCL source file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *childPath == "" || *parentPath == "" {
		return errors.New("child and parent required")
	}
	childSrc, err := os.ReadFile(*childPath)
	if err != nil {
		return fmt.Errorf("read child: %w", err)
	}
	parentSrc, err := os.ReadFile(*parentPath)
	if err != nil {
		return fmt.Errorf("read parent: %w", err)
	}
	res, err := chain.ValidateNarrowing(
		&chain.Covenant{ID: *childPath, Constraints: string(childSrc)},
		&chain.Covenant{ID: *parentPath, Constraints: string(parentSrc)},
	)
	if err != nil {
		return err
	}
	if res.Valid {
		fmt.Fprintln(out, "ok: child narrows parent")
		return nil
	}
	for _, v := range res.Violations {
		fmt.Fprintf(out, "violation: %s\n", v.Message)
	}
	return fmt.Errorf("%d narrowing violations", len(res.Violations))
}

func tailCmd(args []string, out io.Writer) error {
	fs := newFlagSet("tail")
	brokers := fs.String("brokers", "localhost:9092", "comma-separated kafka brokers")
	topic := fs.String("topic", "covenant.decisions", "decision topic")
	group := fs.String("group", "covctl", "consumer group id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	consumer, err := eventbus.NewConsumer(eventbus.Config{
		Brokers: strings.Split(*brokers, ","),
		Topic:   *topic,
		GroupID: *group,
	})
	if err != nil {
		return err
	}
	defer func() { _ = consumer.Close() }()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	return tailDecisions(ctx, consumer, out)
}

type decisionSource interface {
	ReadMessage(ctx context.Context) (eventbus.Message, error)
}

// tailDecisions prints consumed decision payloads one per line until
// the context is canceled or the stream fails.
func tailDecisions(ctx context.Context, src decisionSource, out io.Writer) error {
	for {
		msg, err := src.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		fmt.Fprintf(out, "%s\n", msg.Value)
	}
}

func loadDocument(path string) (*cclir.Document, error) {
	if path == "" {
		return nil, errors.New("file required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ccldsl.Parse(string(raw))
}
