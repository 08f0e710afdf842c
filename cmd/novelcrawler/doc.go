// Package main hosts the novelcrawler entrypoint, a cobra command tree with
// one subcommand per operation.
//
// One-shot commands run a single sweep (explore, update, error, download,
// check, fix, regular) or a utility (backup, info) against every configured
// site, or only --site, and then exit. serve starts the HTTP API and, when
// schedule.regular is set, fires regular runs on that cron schedule until
// SIGINT/SIGTERM.
//
// Configuration comes from --config (YAML/TOML/JSON via Viper) with CRAWLER_*
// environment overrides, for example CRAWLER_DB_DRIVER=postgres and
// CRAWLER_DB_DSN=postgres://... .
//
// Exit status is 2 for usage errors and 1 when configuration or bootstrap
// fails. Sweep failures are logged and the process still exits 0, so cron
// wrappers keep running.
package main
