// Command dcbstore-admin performs out-of-band maintenance on a dcb store
// directory: deleting a store, migrating additive tags onto existing
// events, and printing store info.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"go-dcbstore/dcblog"
	"go-dcbstore/pkg/dcb"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "delete-store":
		runDeleteStore(os.Args[2:])
	case "add-tags":
		runAddTags(os.Args[2:])
	case "store-info":
		runStoreInfo(os.Args[2:])
	default:
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: dcbstore-admin <delete-store|add-tags|store-info> [flags]")
}

func openStore(root, name string) *dcb.Store {
	if name == "" {
		fmt.Fprintln(os.Stderr, "error: -name is required")
		os.Exit(2)
	}
	dcblog.Init(dcblog.Config{})
	store, err := dcb.Open(dcb.StoreConfig{RootPath: root, StoreName: name})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: open store: %v\n", err)
		os.Exit(1)
	}
	return store
}

func runDeleteStore(args []string) {
	fs := flag.NewFlagSet("delete-store", flag.ExitOnError)
	root := fs.String("root", ".", "store root directory")
	name := fs.String("name", "", "store name (required)")
	fs.Parse(args)

	store := openStore(*root, *name)
	if err := store.DeleteStore(); err != nil {
		fmt.Fprintf(os.Stderr, "error: delete store %s: %v\n", *name, err)
		os.Exit(1)
	}
	fmt.Printf("store %s deleted\n", *name)
}

func runAddTags(args []string) {
	fs := flag.NewFlagSet("add-tags", flag.ExitOnError)
	root := fs.String("root", ".", "store root directory")
	name := fs.String("name", "", "store name (required)")
	eventType := fs.String("event-type", "", "event type to migrate")
	tagsFlag := fs.String("tags", "", "comma-separated key=value pairs to add")
	fs.Parse(args)

	store := openStore(*root, *name)
	tags, err := parseTags(*tagsFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	result, err := store.AddTags(context.Background(), *eventType, tags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: add-tags: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("events_processed=%d tags_added=%d\n", result.EventsProcessed, result.TagsAdded)
}

func runStoreInfo(args []string) {
	fs := flag.NewFlagSet("store-info", flag.ExitOnError)
	root := fs.String("root", ".", "store root directory")
	name := fs.String("name", "", "store name (required)")
	asYAML := fs.Bool("yaml", false, "print as YAML instead of plain text")
	fs.Parse(args)

	store := openStore(*root, *name)
	info := struct {
		Name     string `yaml:"name"`
		Position uint64 `yaml:"position"`
	}{Name: *name, Position: store.Position()}

	if *asYAML {
		data, err := yaml.Marshal(info)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: marshal yaml: %v\n", err)
			os.Exit(1)
		}
		os.Stdout.Write(data)
		return
	}
	fmt.Printf("name: %s\nposition: %d\n", info.Name, info.Position)
}

func parseTags(spec string) ([]dcb.Tag, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, fmt.Errorf("at least one -tags key=value pair is required")
	}
	var tags []dcb.Tag
	for _, pair := range strings.Split(spec, ",") {
		kv := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(kv) != 2 || kv[0] == "" || kv[1] == "" {
			return nil, fmt.Errorf("invalid tag %q, want key=value", pair)
		}
		tags = append(tags, dcb.NewTag(kv[0], kv[1]))
	}
	return tags, nil
}
