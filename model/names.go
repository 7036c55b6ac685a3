package model

import "fmt"

// JobLockName 任务分布式锁名称。
func JobLockName(namespace string, jobID int64) string {
	return fmt.Sprintf("job_%s_%d", namespace, jobID)
}

// TriggerLockName 触发器分布式锁名称。
func TriggerLockName(namespace string, triggerID int64) string {
	return fmt.Sprintf("trigger_%s_%d", namespace, triggerID)
}

// MaintainLockName 维护类任务（清理、剔除死节点等）的锁名称。
func MaintainLockName(namespace, task string) string {
	return fmt.Sprintf("maintain_%s_%s", namespace, task)
}
