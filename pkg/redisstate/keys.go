package redisstate

import "fmt"

// Key namespaces for per-concern transient state. Each key is independently
// expirable and safe to delete without coordinating with the others.
//
//	chat:{id}:context   bounded context window (list)
//	chat:{id}:lock      generation lock token (string, TTL)
//	stream:{id}:content recovery buffer for an in-flight turn (string, TTL)
//	stream:{id}:status  stop marker for an in-flight turn (string, TTL)
func contextKey(convID int64) string { return fmt.Sprintf("chat:%d:context", convID) }
func lockKey(convID int64) string    { return fmt.Sprintf("chat:%d:lock", convID) }
func streamKey(turnID int64) string  { return fmt.Sprintf("stream:%d:content", turnID) }
func statusKey(turnID int64) string  { return fmt.Sprintf("stream:%d:status", turnID) }
