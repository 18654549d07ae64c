package engine

import (
	"context"
	"sort"

	"allo/internal/domain"
	"allo/internal/repo"
)

// Live lists PUBLISHED tasks: those with a free slot first, then the full
// ones, each group newest publication first.
func (e Engine) Live(ctx context.Context) ([]domain.TaskSummary, error) {
	tasks, err := e.Repo.ListTaskSummaries(ctx, repo.TaskFilters{Status: domain.TaskPublished, Order: repo.OrderPublished})
	if err != nil {
		return nil, err
	}
	now := e.now()
	for i := range tasks {
		tasks[i].TimeStatus = TimeStatusAt(tasks[i].Task, now)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].AvailableSlots > 0 && tasks[j].AvailableSlots <= 0
	})
	return tasks, nil
}

// PublicSlot hides claimant data.
type PublicSlot struct {
	ID        int64   `json:"id"`
	Claimed   bool    `json:"claimed"`
	ClaimedAt *string `json:"claimed_at,omitempty"`
}

type PublicTaskView struct {
	domain.TaskSummary
	Slots []PublicSlot `json:"slots"`
}

// PublicTask returns a PUBLISHED task; any other status reads as missing.
func (e Engine) PublicTask(ctx context.Context, id int64) (PublicTaskView, error) {
	s, err := e.Repo.GetTaskSummary(ctx, id)
	if err != nil {
		return PublicTaskView{}, notFound(err, "task")
	}
	if s.Status != domain.TaskPublished {
		return PublicTaskView{}, errorf(KindNotFound, "task not found")
	}
	s.TimeStatus = TimeStatusAt(s.Task, e.now())
	slots, err := e.Repo.ListSlots(ctx, id)
	if err != nil {
		return PublicTaskView{}, err
	}
	view := PublicTaskView{TaskSummary: s, Slots: make([]PublicSlot, 0, len(slots))}
	for _, sl := range slots {
		view.Slots = append(view.Slots, PublicSlot{ID: sl.ID, Claimed: sl.Claimed(), ClaimedAt: sl.ClaimedAt})
	}
	return view, nil
}

type OperatorTaskView struct {
	domain.TaskSummary
	Slots   []domain.Slot `json:"slots"`
	Members []domain.User `json:"members"`
}

// OperatorTask returns a task of the actor's group in any status with full
// slot details and the group members eligible for assignment.
func (e Engine) OperatorTask(ctx context.Context, actor Actor, id int64) (OperatorTaskView, error) {
	s, err := e.Repo.GetTaskSummary(ctx, id)
	if err != nil {
		return OperatorTaskView{}, notFound(err, "task")
	}
	if err := ensureSameGroup(s.BdeListID, actor); err != nil {
		return OperatorTaskView{}, err
	}
	s.TimeStatus = TimeStatusAt(s.Task, e.now())
	slots, err := e.Repo.ListSlots(ctx, id)
	if err != nil {
		return OperatorTaskView{}, err
	}
	members, err := e.Repo.ListUsersByGroup(ctx, s.BdeListID)
	if err != nil {
		return OperatorTaskView{}, err
	}
	return OperatorTaskView{TaskSummary: s, Slots: slots, Members: members}, nil
}

type Dashboard struct {
	User  domain.User          `json:"user"`
	Group domain.BdeList       `json:"group"`
	Mine  []domain.TaskSummary `json:"mine"`
	Tasks []domain.TaskSummary `json:"tasks"`
}

// Dashboard lists the tasks the actor created and every task of the group.
func (e Engine) Dashboard(ctx context.Context, actor Actor) (Dashboard, error) {
	u, err := e.Repo.GetUser(ctx, actor.UserID)
	if err != nil {
		return Dashboard{}, notFound(err, "user")
	}
	g, err := e.Repo.GetBdeList(ctx, u.BdeListID)
	if err != nil {
		return Dashboard{}, notFound(err, "group")
	}
	mine, err := e.Repo.ListTaskSummaries(ctx, repo.TaskFilters{CreatedBy: u.ID})
	if err != nil {
		return Dashboard{}, err
	}
	all, err := e.Repo.ListTaskSummaries(ctx, repo.TaskFilters{BdeListID: u.BdeListID})
	if err != nil {
		return Dashboard{}, err
	}
	now := e.now()
	for _, list := range [][]domain.TaskSummary{mine, all} {
		for i := range list {
			list[i].TimeStatus = TimeStatusAt(list[i].Task, now)
		}
	}
	return Dashboard{User: u, Group: g, Mine: mine, Tasks: all}, nil
}

// MyClaims lists every slot held by phone, newest claim first.
func (e Engine) MyClaims(ctx context.Context, phone string) ([]domain.ClaimView, error) {
	phone = normalizePhone(phone)
	if phone == "" {
		return nil, newError(KindInvalidInput, "phone is required", map[string]any{"fields": map[string]any{"phone": "is required"}})
	}
	return e.Repo.ListClaimsByPhone(ctx, phone)
}
