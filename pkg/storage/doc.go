// Package storage opens the backing stores of tenantguard: the PostgreSQL
// connection pool and the optional Redis client shared by the rate limiter
// and the capability snapshot store.
//
// The schema itself lives in the migrations subpackage.
//
// # Usage
//
//	db, err := storage.OpenPostgres(ctx, cfg.Database)
//	if err != nil {
//		return err
//	}
//	defer db.Close()
//
//	rdb, err := storage.NewRedisClient(ctx, cfg.Redis)
package storage
