package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ratebeam/ratebeam-go/pkg/ratebeam"
)

type clientFlags struct {
	configPath string
	endpoint   string
	apiKey     string
	logLevel   string
	bucketSize int
}

func (f *clientFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.configPath, "config", "", "path to a YAML config file")
	cmd.Flags().StringVar(&f.endpoint, "endpoint", "", "API base URL (default "+ratebeam.DefaultEndpoint+")")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API key (default $RATEBEAM_API_KEY)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	cmd.Flags().IntVar(&f.bucketSize, "bucket-size", 0, "default token batch size per fetch")
}

func (f *clientFlags) build() (*ratebeam.Client, error) {
	logger := setupLogger(f.logLevel)

	var opts []ratebeam.Option
	opts = append(opts, ratebeam.WithLogger(logger))
	if f.endpoint != "" {
		opts = append(opts, ratebeam.WithEndpoint(f.endpoint))
	}
	if f.apiKey != "" {
		opts = append(opts, ratebeam.WithAPIKey(f.apiKey))
	} else if key := os.Getenv("RATEBEAM_API_KEY"); key != "" {
		opts = append(opts, ratebeam.WithAPIKey(key))
	}
	if f.bucketSize > 0 {
		opts = append(opts, ratebeam.WithDefaultBucketSize(f.bucketSize))
	}

	if f.configPath != "" {
		cfg, err := ratebeam.LoadConfig(f.configPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return ratebeam.NewFromConfig(cfg, opts...)
	}
	return ratebeam.New(opts...)
}

func newConsumeCmd() *cobra.Command {
	var (
		flags     clientFlags
		owner     string
		operation string
		path      string
		method    string
		count     int
		delay     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume permission tokens and show cache amortization",
		Long: `Issues a series of consume calls for one owner and operation (or path)
and prints, per call, whether the token was granted and whether it came
from the local cache or required a remote fetch.`,
		Example: `  ratebeam consume --owner user_42 --operation send_email --count 20
  ratebeam consume --owner user_42 --path /api/export --method POST --count 5
  ratebeam consume --config ratebeam.yaml --owner user_42 --operation send_email`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.build()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			local := 0
			granted := 0
			for i := 1; i <= count; i++ {
				res, err := client.Consume(ctx, ratebeam.ConsumeRequest{
					Owner:     owner,
					Operation: operation,
					Path:      path,
					Method:    method,
				})
				if err != nil {
					return err
				}

				source := "remote fetch"
				if res.FromCache {
					source = "local cache"
					local++
				}
				if res.Granted {
					granted++
				}
				line := fmt.Sprintf("call %2d: granted=%-5v source=%s", i, res.Granted, source)
				if res.Bucket != nil {
					line += fmt.Sprintf(" bucket=%d/%d", res.Bucket.Available, res.Bucket.Capacity)
				}
				fmt.Println(line)

				if delay > 0 && i < count {
					select {
					case <-time.After(delay):
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			}

			fmt.Printf("\n%d/%d granted, %d served locally, %d remote fetches\n",
				granted, count, local, count-local)
			printCache(client)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&owner, "owner", "", "owner identifier (required)")
	cmd.Flags().StringVar(&operation, "operation", "", "named operation to consume for")
	cmd.Flags().StringVar(&path, "path", "", "path to consume for (with --method)")
	cmd.Flags().StringVar(&method, "method", "", "HTTP method accompanying --path")
	cmd.Flags().IntVar(&count, "count", 10, "number of consume calls to issue")
	cmd.Flags().DurationVar(&delay, "delay", 0, "pause between calls")
	_ = cmd.MarkFlagRequired("owner")

	return cmd
}

func printCache(client *ratebeam.Client) {
	buckets := client.CacheStatus()
	if len(buckets) == 0 {
		fmt.Println("cache: empty")
		return
	}
	fmt.Println("cache:")
	for _, b := range buckets {
		matcher := b.Matcher
		if b.Method != "" {
			matcher = b.Method + " " + matcher
		}
		fmt.Printf("  %-30s rule=%-12s %d/%d tokens, last access %s\n",
			b.Owner+" "+matcher, b.RuleID, b.Available, b.Capacity,
			b.LastAccess.Format(time.RFC3339))
	}
}
