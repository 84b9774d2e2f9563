package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"batchd/errors"
	"batchd/logger"
)

// Queue is the enqueue/dequeue surface over the broker store. Delivery is
// at-least-once: a task claimed by a crashed worker is re-queued at the next
// worker start.
type Queue struct {
	store *Store
}

// NewQueue creates a queue over the shared database.
func NewQueue(store *Store) *Queue {
	return &Queue{store: store}
}

// Store exposes the underlying store for components that need direct reads.
func (q *Queue) Store() *Store {
	return q.store
}

// Enqueue adds a task. A zero RunAt means "due now"; a future RunAt is an
// ETA the broker honors. Returns the assigned execution id.
func (q *Queue) Enqueue(task *Task) (string, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.RunAt.IsZero() {
		task.RunAt = time.Now().UTC()
	}

	if err := q.store.CreateTask(task); err != nil {
		return "", errors.Wrap(err, "failed to enqueue task")
	}
	return task.ID, nil
}

// EnqueueGroup dispatches a set of tasks as one fan-out group and registers
// the callback to run after all of them reach a terminal outcome. Returns the
// group id.
func (q *Queue) EnqueueGroup(queue string, tasks []*Task, callbackTarget string, callbackArgs json.RawMessage) (string, error) {
	if len(tasks) == 0 {
		return "", errors.New("cannot enqueue an empty group")
	}

	group := &Group{
		ID:             uuid.NewString(),
		Queue:          queue,
		Total:          len(tasks),
		CallbackTarget: callbackTarget,
		CallbackArgs:   callbackArgs,
	}
	if err := q.store.CreateGroup(group); err != nil {
		return "", errors.Wrap(err, "failed to create fan-out group")
	}

	for _, task := range tasks {
		task.Queue = queue
		task.GroupID = group.ID
		if _, err := q.Enqueue(task); err != nil {
			return "", errors.Wrapf(err, "failed to enqueue group member %s", task.TaskTarget)
		}
	}

	logger.Debugw("Fan-out group enqueued",
		"group_id", group.ID,
		"queue", queue,
		"members", len(tasks),
		"callback", callbackTarget)
	return group.ID, nil
}

// Dequeue claims the next due task on the queue, or nil when none is due.
func (q *Queue) Dequeue(queue string, now time.Time) (*Task, error) {
	return q.store.ClaimNextDue(queue, now)
}

// PeekPending returns the queue's not-yet-consumed entries without claiming
// them. The scheduler uses the trigger-name headers to build its
// already-enqueued set.
func (q *Queue) PeekPending(queue string) ([]*Task, error) {
	return q.store.ListPending(queue)
}

// PendingTriggerNames returns the set of trigger names sitting unconsumed
// across the given queues.
func (q *Queue) PendingTriggerNames(queues []string) (map[string]bool, error) {
	names := make(map[string]bool)
	for _, queue := range queues {
		pending, err := q.PeekPending(queue)
		if err != nil {
			return nil, err
		}
		for _, task := range pending {
			if name := task.TriggerName(); name != "" {
				names[name] = true
			}
		}
	}
	return names, nil
}

// Complete records a successful outcome and advances the task's group, if
// any. A task revoked mid-run keeps its revoked state; Revoke already
// advanced the group for it.
func (q *Queue) Complete(task *Task, result string) error {
	changed, err := q.store.FinishTask(task.ID, StateSucceeded, result, "")
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return q.advanceGroup(task)
}

// Fail records a failed outcome and advances the task's group, if any.
// Group joins see the failure through the member's stored state; a failed
// member does not block the join.
func (q *Queue) Fail(task *Task, taskErr error) error {
	msg := ""
	if taskErr != nil {
		msg = taskErr.Error()
	}
	changed, err := q.store.FinishTask(task.ID, StateFailed, "", msg)
	if err != nil {
		return err
	}
	if !changed {
		return nil
	}
	return q.advanceGroup(task)
}

// Revoke cancels a task and, depth-first, every task it spawned. Queued tasks
// never run; running tasks keep executing until their handler observes the
// revoked state after the action returns. Finished tasks are left untouched.
// Revocation is a terminal outcome, so each revoked member advances its
// fan-out group here; the in-flight handler's own Complete or Fail becomes a
// no-op against the revoked row. Returns the ids that were actually revoked.
func (q *Queue) Revoke(id string) ([]string, error) {
	var revoked []string

	children, err := q.store.ListChildren(id)
	if err != nil {
		return nil, err
	}
	for _, child := range children {
		childRevoked, err := q.Revoke(child.ID)
		if err != nil {
			return nil, err
		}
		revoked = append(revoked, childRevoked...)
	}

	task, err := q.store.GetTask(id)
	if err != nil {
		if errors.IsNotFoundError(err) {
			return revoked, nil
		}
		return nil, err
	}

	changed, err := q.store.MarkRevoked(id)
	if err != nil {
		return nil, err
	}
	if changed {
		revoked = append(revoked, id)
		if err := q.advanceGroup(task); err != nil {
			return nil, err
		}
	}
	return revoked, nil
}

// advanceGroup records a terminal member and fires the join callback when
// this member completes the group. The conditional fire in the store makes
// the callback exactly-once even when two members finish concurrently.
func (q *Queue) advanceGroup(task *Task) error {
	if task.GroupID == "" {
		return nil
	}

	if err := q.store.RecordGroupTerminal(task.GroupID); err != nil {
		return err
	}

	fired, err := q.store.TryFireGroup(task.GroupID)
	if err != nil {
		return err
	}
	if !fired {
		return nil
	}

	group, err := q.store.GetGroup(task.GroupID)
	if err != nil {
		return err
	}

	_, err = q.Enqueue(&Task{
		Queue:      group.Queue,
		TaskTarget: group.CallbackTarget,
		Args:       group.CallbackArgs,
		Headers:    map[string]string{HeaderGroupID: group.ID},
	})
	if err != nil {
		return errors.Wrapf(err, "failed to enqueue join callback for group %s", group.ID)
	}

	logger.Debugw("Fan-out group complete, callback enqueued",
		"group_id", group.ID,
		"callback", group.CallbackTarget)
	return nil
}
