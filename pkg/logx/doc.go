// Package logx provides the structured logging service used across zenith.
//
// It wraps zerolog behind a small Logger value so call sites stay stable while
// the Service swaps sinks and levels at runtime (config reload). Loggers
// derived from the Service stay "live": an Apply() on the Service changes
// their output without re-plumbing.
package logx
