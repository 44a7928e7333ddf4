package main

import (
	"flag"
	"fmt"
	"net/url"
	"os"
	"strconv"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "status":
		cmdStatus(os.Args[2:])
	case "list":
		cmdList(os.Args[2:])
	case "item":
		cmdItem(os.Args[2:])
	case "replay":
		cmdReplay(os.Args[2:])
	case "pause":
		cmdSetStatus("pause", os.Args[2:])
	case "resume":
		cmdSetStatus("resume", os.Args[2:])
	case "-h", "--help", "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Print(`weatherctl

Usage:
  weatherctl <command> [flags]

Commands:
  status   Show collection progress and remaining quota
  list     List items by status (default poisoned)
  item     Show one work item
  replay   Give a poisoned item a fresh retry budget
  pause    Stop handing out batches
  resume   Resume handing out batches

Global flags:
  --api string   Base API URL (default from WEATHERVAULT_API or http://localhost:8080)
`)
}

func apiBase(fs *flag.FlagSet) *string {
	defaultAPI := os.Getenv("WEATHERVAULT_API")
	if defaultAPI == "" {
		defaultAPI = "http://localhost:8080"
	}
	return fs.String("api", defaultAPI, "Base API URL")
}

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	api := apiBase(fs)
	parse(fs, args)
	run(newClient(*api).get("/progress"))
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	api := apiBase(fs)
	status := fs.String("status", "poisoned", "Item status: pending, failed, completed or poisoned")
	limit := fs.Int("limit", 100, "Maximum items to list")
	parse(fs, args)

	q := url.Values{}
	q.Set("status", *status)
	q.Set("limit", strconv.Itoa(*limit))
	run(newClient(*api).get("/items?" + q.Encode()))
}

func cmdItem(args []string) {
	fs := flag.NewFlagSet("item", flag.ExitOnError)
	api := apiBase(fs)
	id := fs.String("id", "", "Item ID, {postal}#{country}#{date}")
	parse(fs, args)
	requireID(fs, *id)
	run(newClient(*api).get(itemPath(*id)))
}

func cmdReplay(args []string) {
	fs := flag.NewFlagSet("replay", flag.ExitOnError)
	api := apiBase(fs)
	id := fs.String("id", "", "Item ID, {postal}#{country}#{date}")
	parse(fs, args)
	requireID(fs, *id)
	run(newClient(*api).post(itemPath(*id) + "/replay"))
}

func cmdSetStatus(action string, args []string) {
	fs := flag.NewFlagSet(action, flag.ExitOnError)
	api := apiBase(fs)
	parse(fs, args)
	run(newClient(*api).post("/progress/" + action))
}

func parse(fs *flag.FlagSet, args []string) {
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
}

func requireID(fs *flag.FlagSet, id string) {
	if id == "" {
		fmt.Fprintln(os.Stderr, "id is required")
		fs.Usage()
		os.Exit(2)
	}
}

func run(body []byte, err error) {
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Println(string(body))
}
