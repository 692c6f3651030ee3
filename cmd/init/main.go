package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"api-marketplace/infra"

	"go.mongodb.org/mongo-driver/bson"
)

func main() {
	// 讀取配置 - 自動尋找配置檔位置
	configPaths := []string{
		"config.yml",       // 當前目錄
		"../config.yml",    // 上層目錄 (cmd/init -> 專案根目錄)
		"../../config.yml", // 上上層目錄
	}

	usedPath := ""
	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			usedPath = path
			break
		}
	}
	if usedPath == "" {
		log.Fatalf("❌ 無法找到 config.yml 配置檔，已嘗試路徑: %v", configPaths)
	}
	if err := infra.LoadConfig(usedPath); err != nil {
		log.Fatalf("❌ 解析 %s 失敗: %v", usedPath, err)
	}
	fmt.Printf("✅ 找到配置檔: %s\n", usedPath)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// SQLite：僅在 billing.store 為 sqlite 時使用，開啟時即執行 migration
	if infra.AppConfig.Billing.Store == infra.DeductionStoreSQLite {
		sqliteDB, err := infra.NewSQLite(infra.SQLiteConfig{
			Path:          infra.AppConfig.SQLite.Path,
			BusyTimeoutMs: infra.AppConfig.SQLite.BusyTimeoutMs,
		})
		if err != nil {
			log.Fatalf("❌ 初始化 SQLite 失敗: %v", err)
		}
		defer sqliteDB.Close()
		fmt.Printf("✅ SQLite usage_events 資料表就緒: %s\n", infra.AppConfig.SQLite.Path)
	}

	mongoDB, err := infra.NewMongoDB(infra.MongoConfig{
		URI:      infra.AppConfig.MongoDB.URI,
		Database: infra.AppConfig.MongoDB.Database,
	})
	if err != nil {
		log.Fatalf("❌ 連接 MongoDB 失敗: %v", err)
	}
	defer mongoDB.Close(context.Background())

	fmt.Println("🚀 開始建立 MongoDB 索引...")
	if err := mongoDB.EnsureIndexes(ctx); err != nil {
		log.Fatalf("❌ 創建索引失敗: %v", err)
	}

	if err := printIndexInfo(ctx, mongoDB); err != nil {
		fmt.Printf("⚠️  顯示索引資訊失敗: %v\n", err)
	}
	fmt.Println("✅ 初始化完成")
}

// printIndexInfo 顯示各集合的索引資訊
func printIndexInfo(ctx context.Context, mongoDB *infra.MongoDB) error {
	collections := []string{infra.CollectionUsageEvents, infra.CollectionAuditLogs, infra.CollectionAPIUsageLogs}

	fmt.Println("\n📊 索引報告:")
	fmt.Println(strings.Repeat("=", 60))

	for _, collName := range collections {
		cursor, err := mongoDB.GetCollection(collName).Indexes().List(ctx)
		if err != nil {
			return fmt.Errorf("list indexes for %s: %w", collName, err)
		}

		var indexes []bson.M
		if err := cursor.All(ctx, &indexes); err != nil {
			return fmt.Errorf("decode indexes for %s: %w", collName, err)
		}

		fmt.Printf("📁 %s: %d 個索引\n", collName, len(indexes))
		for i, index := range indexes {
			name, _ := index["name"].(string)
			keys, _ := index["key"].(bson.M)

			keyStrs := make([]string, 0, len(keys))
			for key, direction := range keys {
				keyStrs = append(keyStrs, fmt.Sprintf("%s:%v", key, direction))
			}
			sort.Strings(keyStrs)

			unique := ""
			if u, ok := index["unique"].(bool); ok && u {
				unique = " [UNIQUE]"
			}
			fmt.Printf("   %d. %s%s\n", i+1, name, unique)
			fmt.Printf("      └─ %v\n", keyStrs)
		}
		fmt.Println()
	}

	fmt.Println(strings.Repeat("=", 60))
	return nil
}
