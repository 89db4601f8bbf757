package redis

// Redis key naming conventions. All keys are prefixed with "foreman:"
// to avoid collisions with other tenants of the same instance.

const keyPrefix = "foreman:"

// jobKey returns the Hash key for a job record: foreman:job:{id}
func jobKey(id string) string { return keyPrefix + "job:" + id }

// activeKey is the Set of queued and running job IDs.
const activeKey = keyPrefix + "active"

// terminalKey is the Sorted Set of terminal job IDs, scored by finish
// time (unix milliseconds), which makes the snapshot window a range
// query.
const terminalKey = keyPrefix + "terminal"
