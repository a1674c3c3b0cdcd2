/*
Package health probes the sync peer and turns raw probe results into a
stable up/down verdict with transition callbacks.

The offline queue and the sync engine both need to know one thing: is
the edge reachable right now? A single failed request must not flip the
answer, and a recovery must be noticed without anyone asking. The
package splits that into three small pieces:

	┌─────────────┐  Result   ┌────────────┐  verdict  ┌─────────┐
	│   Checker   ├──────────►│   Status   ├──────────►│ Monitor │
	│ (one probe) │           │ (debounce) │           │ (hooks) │
	└─────────────┘           └────────────┘           └─────────┘

Checker runs one probe. HTTPChecker is the only implementation; the
NewEdgeChecker constructor points it at <edgeUrl>/health with a HEAD
request and the client's bearer token.

Status folds results into a verdict: one success marks the target up,
Retries consecutive failures (default 3) mark it down. Recovery has to
be noticed on the first good probe because a queue drain is usually
waiting on it, while a lone failed probe must not flip a healthy peer
offline.

Monitor owns the cadence (default every 30 seconds) and fires OnUp and
OnDown exactly once per transition. Components that learn about
failures out of band, like the offline queue seeing a network error
from a push, call MarkDown so the next good probe fires OnUp.
*/
package health
