// Package collector implements poll.HandlerFactory on top of named plugins.
//
// A job lists plugin names; for every run the Factory builds a JobHandler
// that runs, in order, each plugin that can handle the device. Plugins share
// one Session per run.
//
// After each run the handler appends a row to the job log and publishes an
// eventbus.TopicJobFinished event.
package collector
