package rediskey

import "fmt"

const (
	SchedulerPrefix = "autopost:scheduler"
	RulePrefix      = "autopost:rule"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildTickLeaseKey returns "autopost:scheduler:lease:{name}"
func BuildTickLeaseKey(name string) string {
	return NamespaceKey(SchedulerPrefix, "lease:"+name)
}

// BuildRuleSetKey returns "autopost:rule:{orgID}:{trigger}"
func BuildRuleSetKey(orgID, trigger string) string {
	return NamespaceKey(RulePrefix, orgID+":"+trigger)
}
