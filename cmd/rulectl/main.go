// Command rulectl checks rule documents offline against the built-in conditions
// and actions, without a database or any outbound capability.
package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/hashicorp/go-multierror"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/liamcoop/socialrules/rules"
	"github.com/liamcoop/socialrules/social"
)

func main() {
	if err := newApp(os.Stdout, os.Stderr).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp(stdout, stderr io.Writer) *cli.App {
	return &cli.App{
		Name:      "rulectl",
		Usage:     "validate and describe socialrules documents",
		Writer:    stdout,
		ErrWriter: stderr,
		Commands: []*cli.Command{
			{
				Name:      "validate",
				Usage:     "check that each document registers cleanly",
				ArgsUsage: "FILE...",
				Action:    validate,
			},
			{
				Name:      "describe",
				Usage:     "list the conditions, actions and rules a document produces",
				ArgsUsage: "FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "format",
						Value: "text",
						Usage: "output format: text or yaml",
					},
				},
				Action: describe,
			},
		},
	}
}

// load registers the built-ins plus the document at path on a fresh engine
func load(path string) (*rules.Engine, error) {
	doc, err := rules.LoadDocumentFile(path)
	if err != nil {
		return nil, err
	}
	engine := rules.NewEngine()
	if err := social.Register(engine, social.Deps{}); err != nil {
		return nil, fmt.Errorf("failed to register built-ins: %w", err)
	}
	if err := doc.Register(engine); err != nil {
		return nil, err
	}
	engine.Seal()
	return engine, nil
}

func validate(c *cli.Context) error {
	if c.NArg() == 0 {
		return errors.New("validate requires at least one FILE")
	}

	failed := 0
	for _, path := range c.Args().Slice() {
		engine, err := load(path)
		if err != nil {
			failed++
			fmt.Fprintf(c.App.Writer, "FAIL %s\n", path)
			for _, e := range flatten(err) {
				fmt.Fprintf(c.App.Writer, "  - %v\n", e)
			}
			continue
		}
		fmt.Fprintf(c.App.Writer, "ok   %s (%d rules)\n", path, len(engine.Rules()))
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed validation", failed, c.NArg())
	}
	return nil
}

func flatten(err error) []error {
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return merr.WrappedErrors()
	}
	return []error{err}
}

func describe(c *cli.Context) error {
	if c.NArg() != 1 {
		return errors.New("describe requires exactly one FILE")
	}
	engine, err := load(c.Args().First())
	if err != nil {
		return err
	}

	switch c.String("format") {
	case "yaml":
		doc := rules.Document{}
		for _, r := range engine.Rules() {
			doc.Rules = append(doc.Rules, rules.SpecFromRule(r))
		}
		enc := yaml.NewEncoder(c.App.Writer)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode rules: %w", err)
		}
		return enc.Close()
	case "text":
		return describeText(c.App.Writer, engine)
	default:
		return fmt.Errorf("unknown format %q (must be text or yaml)", c.String("format"))
	}
}

func describeText(out io.Writer, engine *rules.Engine) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(tw, "CONDITION\tPARAMETERS")
	conditions := engine.Conditions()
	sort.Slice(conditions, func(i, j int) bool { return conditions[i].ID < conditions[j].ID })
	for _, def := range conditions {
		fmt.Fprintf(tw, "%s\t%s\n", def.ID, params(def.Params))
	}

	fmt.Fprintln(tw, "\nACTION\tPARAMETERS\tPROVIDES")
	actions := engine.Actions()
	sort.Slice(actions, func(i, j int) bool { return actions[i].ID < actions[j].ID })
	for _, def := range actions {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", def.ID, params(def.Params), params(def.Provides))
	}

	fmt.Fprintln(tw, "\nRULE\tEVENT\tCONDITIONS\tACTIONS")
	for _, r := range engine.Rules() {
		tree := "-"
		if r.Conditions != nil {
			tree = r.Conditions.String()
		}
		steps := make([]string, len(r.Actions))
		for i, s := range r.Actions {
			steps[i] = s.Action
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Event, tree, strings.Join(steps, " -> "))
	}

	return tw.Flush()
}

func params(ps []rules.Param) string {
	if len(ps) == 0 {
		return "-"
	}
	parts := make([]string, len(ps))
	for i, p := range ps {
		s := p.Name + ":" + p.Type.String()
		if !p.Required {
			s += "?"
		}
		parts[i] = s
	}
	return strings.Join(parts, ", ")
}
