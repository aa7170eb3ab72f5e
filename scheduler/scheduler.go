package scheduler

// Package scheduler runs the platform's recurring jobs:
// - License day rollover shortly after midnight
// - Intraday quote collection during market hours
// - Daily close collection after market close
// - RSI and MA cross signal monitors
// - Hourly weather collection
// - Daily license usage report
// - State cache pruning
//
// The jobs are implemented in jobs.go
