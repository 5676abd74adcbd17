package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/kartikbazzad/bunbase/buntree"
	"github.com/kartikbazzad/bunbase/buntree/internal/auth"
	"github.com/kartikbazzad/bunbase/buntree/internal/logger"
	"github.com/kartikbazzad/bunbase/buntree/internal/prometrics"
)

var (
	socketPath string
	timeout    time.Duration
	token      string

	orderByChild string
	orderByKey   bool
	limitFirst   int
	limitLast    int
)

var rootCmd = &cobra.Command{
	Use:   "buntree",
	Short: "BunTree CLI",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*buntree.Database, error) {
	logger.Init(logger.Config{
		Level:  os.Getenv("BUNTREE_LOG_LEVEL"),
		Format: os.Getenv("BUNTREE_LOG_FORMAT"),
	})

	opts, err := buntree.OptionsFromEnv()
	if err != nil {
		return nil, err
	}
	opts.Logger = logger.Get()
	if socketPath != "" {
		opts.SocketPath = socketPath
	}
	if timeout > 0 {
		opts.RequestTimeout = timeout
	}
	if token != "" {
		opts.Token = auth.Static(token)
	}
	return buntree.Open(opts)
}

// buildRef applies the query flags to a fresh reference.
func buildRef(db *buntree.Database, path string) (*buntree.Reference, error) {
	ref := db.Ref(path)
	if orderByChild != "" {
		ref = ref.OrderByChild(orderByChild)
	} else if orderByKey {
		ref = ref.OrderByKey()
	}
	if limitFirst > 0 {
		ref = ref.LimitToFirst(limitFirst)
	}
	if limitLast > 0 {
		ref = ref.LimitToLast(limitLast)
	}
	return ref, ref.Err()
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(data))
}

func parseJSONArg(arg string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(arg), &v); err != nil {
		// Bare words are treated as strings for convenience.
		return arg, nil
	}
	return v, nil
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "", "bridge socket path (defaults to BUNTREE_SOCKET_PATH)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "request timeout")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "auth token")

	getCmd := &cobra.Command{
		Use:   "get <path>",
		Short: "Read a path once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			ref, err := buildRef(db, args[0])
			if err != nil {
				return err
			}
			snap, err := ref.Once(cmd.Context(), buntree.EventValue)
			if err != nil {
				return err
			}
			printJSON(snap.Val())
			return nil
		},
	}
	getCmd.Flags().StringVar(&orderByChild, "order-by-child", "", "order results by a child key")
	getCmd.Flags().BoolVar(&orderByKey, "order-by-key", false, "order results by key")
	getCmd.Flags().IntVar(&limitFirst, "limit-first", 0, "limit to the first n results")
	getCmd.Flags().IntVar(&limitLast, "limit-last", 0, "limit to the last n results")

	setCmd := &cobra.Command{
		Use:   "set <path> <json>",
		Short: "Write a value at a path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			v, err := parseJSONArg(args[1])
			if err != nil {
				return err
			}
			return db.Ref(args[0]).Set(cmd.Context(), v)
		},
	}

	updateCmd := &cobra.Command{
		Use:   "update <path> <json-object>",
		Short: "Merge children into a path",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			var m map[string]any
			if err := json.Unmarshal([]byte(args[1]), &m); err != nil {
				return fmt.Errorf("update payload must be a JSON object: %w", err)
			}
			return db.Ref(args[0]).Update(cmd.Context(), m)
		},
	}

	removeCmd := &cobra.Command{
		Use:   "remove <path>",
		Short: "Delete a path",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Ref(args[0]).Remove(cmd.Context())
		},
	}

	pushCmd := &cobra.Command{
		Use:   "push <path> [json]",
		Short: "Append a value under an auto-generated key",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			var v any
			if len(args) == 2 {
				if v, err = parseJSONArg(args[1]); err != nil {
					return err
				}
			}
			child, err := db.Ref(args[0]).Push(cmd.Context(), v)
			if err != nil {
				return err
			}
			fmt.Println(child.Key())
			return nil
		},
	}

	var metricsAddr string
	watchCmd := &cobra.Command{
		Use:   "watch <path>",
		Short: "Stream value events until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", prometrics.Handler())
				go func() {
					if err := http.ListenAndServe(metricsAddr, mux); err != nil {
						fmt.Fprintln(os.Stderr, "metrics server:", err)
					}
				}()
			}

			ref, err := buildRef(db, args[0])
			if err != nil {
				return err
			}
			l, err := ref.On(buntree.EventValue, func(snap *buntree.Snapshot) {
				printJSON(snap.Val())
			}, func(err error) {
				fmt.Fprintln(os.Stderr, "watch cancelled:", err)
			})
			if err != nil {
				return err
			}
			defer ref.Off(buntree.EventValue, l)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			fmt.Fprintf(os.Stderr, "watching %s (ctrl-c to stop)\n", ref)
			<-sig
			return nil
		},
	}
	watchCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while watching")
	watchCmd.Flags().StringVar(&orderByChild, "order-by-child", "", "order results by a child key")
	watchCmd.Flags().BoolVar(&orderByKey, "order-by-key", false, "order results by key")
	watchCmd.Flags().IntVar(&limitFirst, "limit-first", 0, "limit to the first n results")
	watchCmd.Flags().IntVar(&limitLast, "limit-last", 0, "limit to the last n results")

	shellCmd := &cobra.Command{
		Use:   "shell",
		Short: "Interactive shell",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB()
			if err != nil {
				return err
			}
			defer db.Close()
			return runShell(db)
		},
	}

	rootCmd.AddCommand(getCmd, setCmd, updateCmd, removeCmd, pushCmd, watchCmd, shellCmd)
}

var shellCommands = []string{"get", "set", "update", "remove", "push", "help", "exit", "quit"}

func historyFilePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".buntree_history"), nil
}

func runShell(db *buntree.Database) error {
	line := liner.NewLiner()
	defer line.Close()

	line.SetCtrlCAborts(true)
	line.SetCompleter(func(l string) (c []string) {
		for _, n := range shellCommands {
			if strings.HasPrefix(n, strings.ToLower(l)) {
				c = append(c, n)
			}
		}
		return
	})

	if hf, err := historyFilePath(); err == nil {
		if f, err := os.Open(hf); err == nil {
			line.ReadHistory(f)
			f.Close()
		}
	}
	defer func() {
		hf, err := historyFilePath()
		if err != nil {
			return
		}
		f, err := os.Create(hf)
		if err != nil {
			return
		}
		line.WriteHistory(f)
		f.Close()
	}()

	fmt.Println("enter 'help' to get help")
	for {
		input, err := line.Prompt("buntree> ")
		if err != nil {
			// ctrl-c, ctrl-d, or a closed terminal all end the session.
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if done, err := executeShellCommand(db, input); err != nil {
			fmt.Fprintln(os.Stderr, err)
		} else if done {
			return nil
		}
	}
}

func executeShellCommand(db *buntree.Database, input string) (bool, error) {
	fields := strings.SplitN(input, " ", 3)
	cmd := strings.ToLower(fields[0])

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch cmd {
	case "exit", "quit":
		return true, nil
	case "help":
		fmt.Println("commands:")
		fmt.Println("  get <path>             read a path")
		fmt.Println("  set <path> <json>      write a value")
		fmt.Println("  update <path> <json>   merge children")
		fmt.Println("  remove <path>          delete a path")
		fmt.Println("  push <path> [json]     append under a generated key")
		fmt.Println("  exit                   leave the shell")
		return false, nil
	case "get":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: get <path>")
		}
		snap, err := db.Ref(fields[1]).Once(ctx, buntree.EventValue)
		if err != nil {
			return false, err
		}
		printJSON(snap.Val())
		return false, nil
	case "set":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: set <path> <json>")
		}
		v, err := parseJSONArg(fields[2])
		if err != nil {
			return false, err
		}
		return false, db.Ref(fields[1]).Set(ctx, v)
	case "update":
		if len(fields) < 3 {
			return false, fmt.Errorf("usage: update <path> <json-object>")
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(fields[2]), &m); err != nil {
			return false, fmt.Errorf("update payload must be a JSON object: %w", err)
		}
		return false, db.Ref(fields[1]).Update(ctx, m)
	case "remove":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: remove <path>")
		}
		return false, db.Ref(fields[1]).Remove(ctx)
	case "push":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: push <path> [json]")
		}
		var v any
		if len(fields) == 3 {
			var err error
			if v, err = parseJSONArg(fields[2]); err != nil {
				return false, err
			}
		}
		child, err := db.Ref(fields[1]).Push(ctx, v)
		if err != nil {
			return false, err
		}
		fmt.Println(child.Key())
		return false, nil
	default:
		return false, fmt.Errorf("unknown command %q; enter 'help' for usage", cmd)
	}
}
