// Package periodic runs recurring maintenance tasks (venue heartbeat,
// audit pruning) on robfig/cron.
package periodic
