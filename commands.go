package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"api-marketplace/infra"
	"api-marketplace/model"
	"api-marketplace/service"

	"github.com/danielgtaylor/huma/v2/humacli"
	"github.com/spf13/cobra"
)

// addCommands 在 humacli 根指令下加入維運子指令
func addCommands(cli humacli.CLI) {
	deductionCmd := &cobra.Command{
		Use:   "deduction",
		Short: "扣款紀錄維運指令",
	}
	deductionCmd.AddCommand(&cobra.Command{
		Use:   "get <request-id>",
		Short: "依冪等鍵查詢扣款紀錄",
		Args:  cobra.ExactArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, options *Options) {
			if err := runDeductionGet(cmd.Context(), options.Config, args[0]); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
		}),
	})

	var listLimit int
	listCmd := &cobra.Command{
		Use:   "list <user-id>",
		Short: "列出用戶最近的扣款紀錄",
		Args:  cobra.ExactArgs(1),
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, options *Options) {
			if err := runDeductionList(cmd.Context(), options.Config, args[0], listLimit); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
		}),
	}
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "最多列出幾筆")
	deductionCmd.AddCommand(listCmd)

	cli.Root().AddCommand(deductionCmd)
	cli.Root().AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "建立 MongoDB 索引（billing.store 為 sqlite 時一併執行 SQLite migration）",
		Args:  cobra.NoArgs,
		Run: humacli.WithOptions(func(cmd *cobra.Command, args []string, options *Options) {
			if err := runMigrate(cmd.Context(), options.Config); err != nil {
				fmt.Fprintln(os.Stderr, "error:", err)
				os.Exit(1)
			}
			fmt.Println("migration completed")
		}),
	})
}

// usageEventReader 兩種扣款儲存層共用的唯讀查詢
type usageEventReader interface {
	FindByRequestID(ctx context.Context, requestID string) (*model.UsageEvent, error)
	ListByUser(ctx context.Context, userID string, limit int) ([]model.UsageEvent, error)
}

// openUsageEventReader 依 billing.store 開啟扣款紀錄，回傳的 close 需由呼叫端執行
func openUsageEventReader(configPath string) (usageEventReader, func(), error) {
	if err := infra.LoadConfig(configPath); err != nil {
		return nil, nil, err
	}

	if infra.AppConfig.Billing.Store == infra.DeductionStoreSQLite {
		sqliteDB, err := openSQLite()
		if err != nil {
			return nil, nil, err
		}
		return service.NewSQLiteDeductionStore(sqliteDB), func() { sqliteDB.Close() }, nil
	}

	mongoDB, err := infra.NewMongoDB(infra.MongoConfig{
		URI:      infra.AppConfig.MongoDB.URI,
		Database: infra.AppConfig.MongoDB.Database,
	})
	if err != nil {
		return nil, nil, err
	}
	return service.NewMongoDeductionStore(mongoDB), func() { mongoDB.Close(context.Background()) }, nil
}

func openSQLite() (*infra.SQLite, error) {
	return infra.NewSQLite(infra.SQLiteConfig{
		Path:          infra.AppConfig.SQLite.Path,
		BusyTimeoutMs: infra.AppConfig.SQLite.BusyTimeoutMs,
	})
}

func runDeductionGet(ctx context.Context, configPath, requestID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	reader, closeReader, err := openUsageEventReader(configPath)
	if err != nil {
		return err
	}
	defer closeReader()

	event, err := reader.FindByRequestID(ctx, requestID)
	if errors.Is(err, service.ErrUsageEventNotFound) {
		return fmt.Errorf("no deduction for request id %q", requestID)
	}
	if err != nil {
		return err
	}

	printUsageEvent(os.Stdout, event)
	return nil
}

func runDeductionList(ctx context.Context, configPath, userID string, limit int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	reader, closeReader, err := openUsageEventReader(configPath)
	if err != nil {
		return err
	}
	defer closeReader()

	events, err := reader.ListByUser(ctx, userID, limit)
	if err != nil {
		return err
	}
	printUsageEventList(os.Stdout, events)
	return nil
}

func printUsageEventList(out io.Writer, events []model.UsageEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "CREATED AT\tREQUEST ID\tAPI ID\tAMOUNT (USDC)\tSTELLAR TX")
	for i := range events {
		txHash := events[i].TxHash()
		if txHash == "" {
			txHash = "(pending)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			events[i].CreatedAt.Format(time.RFC3339), events[i].RequestID, events[i].APIID, events[i].AmountUSDC, txHash)
	}
}

func printUsageEvent(out io.Writer, event *model.UsageEvent) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	txHash := event.TxHash()
	if txHash == "" {
		txHash = "(pending)"
	}
	rows := [][2]string{
		{"ID", event.ID},
		{"REQUEST ID", event.RequestID},
		{"USER ID", event.UserID},
		{"API ID", event.APIID},
		{"ENDPOINT ID", event.EndpointID},
		{"API KEY ID", event.APIKeyID},
		{"AMOUNT (USDC)", event.AmountUSDC},
		{"STELLAR TX", txHash},
		{"CREATED AT", event.CreatedAt.Format(time.RFC3339)},
	}
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\n", row[0], row[1])
	}
}

func runMigrate(ctx context.Context, configPath string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := infra.LoadConfig(configPath); err != nil {
		return err
	}

	// NewSQLite 開啟時即執行 migration
	if infra.AppConfig.Billing.Store == infra.DeductionStoreSQLite {
		sqliteDB, err := openSQLite()
		if err != nil {
			return err
		}
		sqliteDB.Close()
	}

	mongoDB, err := infra.NewMongoDB(infra.MongoConfig{
		URI:      infra.AppConfig.MongoDB.URI,
		Database: infra.AppConfig.MongoDB.Database,
	})
	if err != nil {
		return err
	}
	defer mongoDB.Close(context.Background())

	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()
	return mongoDB.EnsureIndexes(ctx)
}
