package github

import "strings"

const rateLimitFragment = `
  rateLimit { cost remaining limit resetAt nodeCount }
`

// ensureRateLimitFragment дописывает rateLimit перед последней закрывающей скобкой,
// если вызывающий его не запросил.
func ensureRateLimitFragment(query string) string {
	if strings.Contains(query, "rateLimit") {
		return query
	}
	last := strings.LastIndex(query, "}")
	if last == -1 {
		return query
	}
	return query[:last] + rateLimitFragment + query[last:]
}
