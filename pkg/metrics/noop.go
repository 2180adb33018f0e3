package metrics

import "time"

// noop is a zero-overhead NFSMetrics that discards everything. Callers
// default to it instead of a nil interface so instrumentation call
// sites never need a nil check.
type noop struct{}

// Noop is the default NFSMetrics used when no collector is configured.
var Noop NFSMetrics = noop{}

func (noop) RecordRequest(procedure, share string, duration time.Duration, errorCode string) {}
func (noop) RecordRequestStart(procedure, share string)                                      {}
func (noop) RecordRequestEnd(procedure, share string)                                         {}
func (noop) RecordBytesTransferred(procedure, share, direction string, bytes uint64)          {}
func (noop) RecordOperationSize(operation, share string, bytes uint64)                        {}
func (noop) SetActiveConnections(count int32)                                                 {}
func (noop) RecordConnectionAccepted()                                                        {}
func (noop) RecordConnectionClosed()                                                          {}
func (noop) RecordConnectionForceClosed()                                                     {}
func (noop) RecordCacheHit(share, cacheType string, bytes uint64)                             {}
func (noop) RecordCacheMiss(share string, bytes uint64)                                        {}
