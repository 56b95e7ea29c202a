// Package editor turns owner gestures into block collection operations.
//
// The editor holds only transient UI state: the block being dragged, the
// block under the pointer and the open dialog. Every gesture that mutates the
// collection produces exactly one Notice, delivered when the store call
// settles; gestures rejected before reaching the collection produce their
// failure notice immediately.
package editor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/livetemplate/bioblocks"
	"github.com/livetemplate/bioblocks/internal/collection"
)

// ErrNoDialog is returned by ConfirmEdit when no dialog is open.
var ErrNoDialog = errors.New("no dialog open")

// Action names an editor gesture.
type Action string

const (
	ActionToggleActive   Action = "toggle-active"
	ActionToggleFeatured Action = "toggle-featured"
	ActionToggleArchived Action = "toggle-archived"
	ActionEdit           Action = "edit"
	ActionAdd            Action = "add"
	ActionDuplicate      Action = "duplicate"
	ActionDelete         Action = "delete"
	ActionReorder        Action = "reorder"
	ActionReload         Action = "reload"
)

// Level is the severity of a Notice.
type Level string

const (
	LevelSuccess Level = "success"
	LevelInfo    Level = "info"
	LevelError   Level = "error"
)

// Notice is the acknowledgment of one gesture.
type Notice struct {
	Level   Level  `json:"level"`
	Action  Action `json:"action"`
	BlockID string `json:"blockId,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message"`
}

// Notifier receives notices. It may be called from any goroutine.
type Notifier func(Notice)

// Dialog is the open edit dialog. BlockID is empty when adding a block.
type Dialog struct {
	BlockID string `json:"blockId,omitempty"`
	Form    Form   `json:"form"`
	Error   string `json:"error,omitempty"`
}

// Item is one row of the editor list.
type Item struct {
	Block    bioblocks.Block `json:"block"`
	Saving   bool            `json:"saving"` // not yet acknowledged by the store
	Dragging bool            `json:"dragging"`
	Over     bool            `json:"over"`
}

// Editor adapts gestures to a collection.
type Editor struct {
	coll     *collection.Collection
	notify   Notifier
	validate *validator.Validate
	logger   *zap.Logger

	mu       sync.Mutex
	dragging string
	over     string
	dialog   *Dialog
	closed   bool
}

// New creates an editor over coll. notify may be nil.
func New(coll *collection.Collection, notify Notifier, logger *zap.Logger) *Editor {
	if notify == nil {
		notify = func(Notice) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Editor{
		coll:     coll,
		notify:   notify,
		validate: newValidator(),
		logger:   logger,
	}
}

// Reload replaces the collection with the owner's stored blocks. Success
// ends any drag in progress. Both outcomes produce a notice.
func (e *Editor) Reload(ctx context.Context, owner string) error {
	if err := e.coll.Load(ctx, owner); err != nil {
		e.emit(Notice{Level: LevelError, Action: ActionReload, Message: bioblocks.UserMessage(err)})
		return err
	}
	e.mu.Lock()
	e.dragging = ""
	e.over = ""
	e.mu.Unlock()
	e.emit(Notice{Level: LevelInfo, Action: ActionReload, Message: "Blocks refreshed."})
	return nil
}

// Close stops notice delivery. Store calls still settle.
func (e *Editor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// ToggleActive flips whether the block is shown on the profile.
func (e *Editor) ToggleActive(id string) (*collection.Op, error) {
	return e.toggle(ActionToggleActive, id,
		func(b bioblocks.Block) bool { return b.IsActive },
		func(v bool) bioblocks.Fields { return bioblocks.Fields{IsActive: bioblocks.Ptr(v)} })
}

// ToggleFeatured flips the highlighted flag.
func (e *Editor) ToggleFeatured(id string) (*collection.Op, error) {
	return e.toggle(ActionToggleFeatured, id,
		func(b bioblocks.Block) bool { return b.IsFeatured },
		func(v bool) bioblocks.Fields { return bioblocks.Fields{IsFeatured: bioblocks.Ptr(v)} })
}

// ToggleArchived flips the archived flag.
func (e *Editor) ToggleArchived(id string) (*collection.Op, error) {
	return e.toggle(ActionToggleArchived, id,
		func(b bioblocks.Block) bool { return b.IsArchived },
		func(v bool) bioblocks.Fields { return bioblocks.Fields{IsArchived: bioblocks.Ptr(v)} })
}

func (e *Editor) toggle(action Action, id string, get func(bioblocks.Block) bool, set func(bool) bioblocks.Fields) (*collection.Op, error) {
	b, ok := e.coll.Get(id)
	if !ok {
		return nil, e.reject(action, id, "", &bioblocks.NotFoundError{ID: id})
	}
	next := !get(b)
	op, err := e.coll.Patch(id, set(next))
	if err != nil {
		return nil, e.reject(action, id, b.Title, err)
	}
	e.track(action, op, toggleMessage(action, b.Title, next))
	return op, nil
}

// OpenEdit opens the dialog pre-filled with the block's current fields.
func (e *Editor) OpenEdit(id string) (Dialog, error) {
	b, ok := e.coll.Get(id)
	if !ok {
		return Dialog{}, e.reject(ActionEdit, id, "", &bioblocks.NotFoundError{ID: id})
	}
	d := Dialog{BlockID: b.ID, Form: FormOf(b)}
	e.mu.Lock()
	e.dialog = &d
	e.mu.Unlock()
	return d, nil
}

// OpenNew opens a blank dialog for a new block of the given kind.
func (e *Editor) OpenNew(kind bioblocks.Kind) Dialog {
	if !kind.Valid() {
		kind = bioblocks.KindLink
	}
	d := Dialog{Form: BlankForm(kind)}
	e.mu.Lock()
	e.dialog = &d
	e.mu.Unlock()
	return d
}

// Dialog returns the open dialog, if any.
func (e *Editor) Dialog() (Dialog, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dialog == nil {
		return Dialog{}, false
	}
	return *e.dialog, true
}

// Cancel closes the dialog without changes.
func (e *Editor) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dialog = nil
}

// ConfirmEdit validates form and applies it: a patch of the changed fields
// for an existing block, an append for a new one. Invalid input keeps the
// dialog open and returns a *FormError.
func (e *Editor) ConfirmEdit(form Form) (*collection.Op, error) {
	e.mu.Lock()
	d := e.dialog
	e.mu.Unlock()
	if d == nil {
		return nil, ErrNoDialog
	}

	action := ActionEdit
	if d.BlockID == "" {
		action = ActionAdd
	}

	if err := validateForm(e.validate, form); err != nil {
		var formErr *FormError
		msg := "Please check the form."
		if errors.As(err, &formErr) {
			msg = formErr.Message
		}
		e.mu.Lock()
		if e.dialog == d {
			e.dialog = &Dialog{BlockID: d.BlockID, Form: form, Error: msg}
		}
		e.mu.Unlock()
		e.emit(Notice{Level: LevelError, Action: action, BlockID: d.BlockID, Title: form.Title, Message: msg})
		return nil, err
	}

	if action == ActionAdd {
		e.Cancel()
		op, err := e.coll.Append(form.Fields())
		if err != nil {
			return nil, e.reject(action, "", form.Title, err)
		}
		e.track(action, op, fmt.Sprintf("Added %q.", form.Title))
		return op, nil
	}

	b, ok := e.coll.Get(d.BlockID)
	if !ok {
		e.Cancel()
		return nil, e.reject(action, d.BlockID, form.Title, &bioblocks.NotFoundError{ID: d.BlockID})
	}
	e.Cancel()

	changes := form.Changes(b)
	if changes.IsEmpty() {
		e.emit(Notice{Level: LevelInfo, Action: action, BlockID: b.ID, Title: b.Title, Message: "No changes to save."})
		return nil, nil
	}
	op, err := e.coll.Patch(b.ID, changes)
	if err != nil {
		return nil, e.reject(action, b.ID, b.Title, err)
	}
	e.track(action, op, fmt.Sprintf("Saved changes to %q.", form.Title))
	return op, nil
}

// Duplicate appends a copy of the block titled "<title> (Copy)".
func (e *Editor) Duplicate(id string) (*collection.Op, error) {
	b, ok := e.coll.Get(id)
	if !ok {
		return nil, e.reject(ActionDuplicate, id, "", &bioblocks.NotFoundError{ID: id})
	}
	fields := bioblocks.FieldsOf(b)
	fields.Title = bioblocks.Ptr(b.Title + " (Copy)")

	op, err := e.coll.Append(fields)
	if err != nil {
		return nil, e.reject(ActionDuplicate, id, b.Title, err)
	}
	e.track(ActionDuplicate, op, fmt.Sprintf("Duplicated %q.", b.Title))
	return op, nil
}

// Delete removes the block once confirm approves it. A declined
// confirmation returns a nil Op and no notice.
func (e *Editor) Delete(id string, confirm func(bioblocks.Block) bool) (*collection.Op, error) {
	b, ok := e.coll.Get(id)
	if !ok {
		return nil, e.reject(ActionDelete, id, "", &bioblocks.NotFoundError{ID: id})
	}
	if confirm != nil && !confirm(b) {
		return nil, nil
	}
	op, err := e.coll.Remove(id)
	if err != nil {
		return nil, e.reject(ActionDelete, id, b.Title, err)
	}
	e.track(ActionDelete, op, fmt.Sprintf("Deleted %q.", b.Title))
	return op, nil
}

// DragStart records the block being dragged.
func (e *Editor) DragStart(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dragging = id
	e.over = ""
}

// DragOver records the block under the pointer.
func (e *Editor) DragOver(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.dragging != "" {
		e.over = id
	}
}

// DragEnd abandons the gesture.
func (e *Editor) DragEnd() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dragging = ""
	e.over = ""
}

// Drop ends the gesture by dropping the dragged block onto targetID. With
// no drag in progress, or a drop that leaves the order unchanged, it returns
// a nil Op and no notice.
func (e *Editor) Drop(targetID string) (*collection.Op, error) {
	e.mu.Lock()
	source := e.dragging
	e.dragging = ""
	e.over = ""
	e.mu.Unlock()

	if source == "" {
		return nil, nil
	}

	op, err := e.coll.Reorder(source, targetID)
	if err != nil {
		title := ""
		if b, ok := e.coll.Get(source); ok {
			title = b.Title
		}
		return nil, e.reject(ActionReorder, source, title, err)
	}
	if op == nil {
		return nil, nil
	}
	e.track(ActionReorder, op, "Order saved.")
	return op, nil
}

// Items returns the editor rows in position order, inactive and archived
// blocks included.
func (e *Editor) Items() []Item {
	snap := e.coll.Snapshot()

	e.mu.Lock()
	dragging, over := e.dragging, e.over
	e.mu.Unlock()

	items := make([]Item, len(snap.Blocks))
	for i, b := range snap.Blocks {
		items[i] = Item{
			Block:    b,
			Saving:   collection.IsPlaceholder(b.ID),
			Dragging: b.ID == dragging,
			Over:     b.ID == over && over != dragging,
		}
	}
	return items
}

// track emits the notice for op when it settles.
func (e *Editor) track(action Action, op *collection.Op, success string) {
	go func() {
		<-op.Done()
		n := Notice{Action: action, BlockID: op.BlockID(), Title: op.Title()}
		if err := op.Err(); err != nil {
			n.Level = LevelError
			n.Message = bioblocks.UserMessage(err)
		} else {
			n.Level = LevelSuccess
			n.Message = success
		}
		e.emit(n)
	}()
}

// reject emits the failure notice for a gesture that never reached the store
// and returns err.
func (e *Editor) reject(action Action, id, title string, err error) error {
	e.logger.Debug("gesture rejected", zap.String("action", string(action)), zap.String("block", id), zap.Error(err))
	e.emit(Notice{Level: LevelError, Action: action, BlockID: id, Title: title, Message: bioblocks.UserMessage(err)})
	return err
}

func (e *Editor) emit(n Notice) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	e.notify(n)
}

func toggleMessage(action Action, title string, on bool) string {
	switch action {
	case ActionToggleActive:
		if on {
			return fmt.Sprintf("%q is now visible.", title)
		}
		return fmt.Sprintf("%q is now hidden.", title)
	case ActionToggleFeatured:
		if on {
			return fmt.Sprintf("%q is now featured.", title)
		}
		return fmt.Sprintf("%q is no longer featured.", title)
	case ActionToggleArchived:
		if on {
			return fmt.Sprintf("%q archived.", title)
		}
		return fmt.Sprintf("%q restored.", title)
	}
	return "Saved."
}
