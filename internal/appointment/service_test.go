package appointment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/hospital-scheduling/internal/apperrors"
	"github.com/hackgods/hospital-scheduling/internal/clinic"
	redisclient "github.com/hackgods/hospital-scheduling/internal/redis"
)

// memRepo keeps appointments in memory and enforces the same uniqueness
// rule as the appointments_active_slot_uniq index.
type memRepo struct {
	mu     sync.Mutex
	appts  map[uuid.UUID]*Appointment
	events []EventLog

	// skipCount makes CountActiveAt report zero, to exercise the insert-time check.
	skipCount bool
	failWith  error
}

func newMemRepo() *memRepo {
	return &memRepo{appts: make(map[uuid.UUID]*Appointment)}
}

func sameSlot(a *Appointment, doctorID uuid.UUID, date time.Time, at clinic.Clock) bool {
	return a.DoctorID == doctorID && clinic.SameDay(a.Date, date) && a.Time == at && a.Status != StatusCanceled
}

func (r *memRepo) BookedTimes(_ context.Context, doctorID uuid.UUID, date time.Time) ([]clinic.Clock, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return nil, r.failWith
	}
	var out []clinic.Clock
	for _, a := range r.appts {
		if a.DoctorID == doctorID && clinic.SameDay(a.Date, date) && a.Status != StatusCanceled {
			out = append(out, a.Time)
		}
	}
	return out, nil
}

func (r *memRepo) CountActiveAt(_ context.Context, doctorID uuid.UUID, date time.Time, at clinic.Clock) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWith != nil {
		return 0, r.failWith
	}
	if r.skipCount {
		return 0, nil
	}
	n := 0
	for _, a := range r.appts {
		if sameSlot(a, doctorID, date, at) {
			n++
		}
	}
	return n, nil
}

func (r *memRepo) Insert(_ context.Context, a Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.appts {
		if sameSlot(existing, a.DoctorID, a.Date, a.Time) {
			return nil, apperrors.SlotTaken("slot already booked", errors.New("duplicate key value violates unique constraint"))
		}
	}
	a.CreatedAt = time.Now()
	a.UpdatedAt = a.CreatedAt
	cp := a
	r.appts[a.ID] = &cp
	return &a, nil
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, id uuid.UUID, to Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	cp := *a
	return &cp, nil
}

func (r *memRepo) UpdateStatusFrom(_ context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.appts[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	cp := *a
	return &cp, nil
}

func (r *memRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appts {
		if a.PatientID == patientID {
			out = append(out, *a)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) ListByDoctorDate(_ context.Context, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.appts {
		if a.DoctorID == doctorID && clinic.SameDay(a.Date, date) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *memRepo) InsertEvent(_ context.Context, ev EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *memRepo) eventTypes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.EventType)
	}
	return out
}

type staticSchedules map[uuid.UUID][]clinic.ScheduleInterval

func (s staticSchedules) ScheduleFor(_ context.Context, doctorID uuid.UUID, dow int) ([]clinic.ScheduleInterval, error) {
	var out []clinic.ScheduleInterval
	for _, iv := range s[doctorID] {
		if iv.DayOfWeek == dow {
			out = append(out, iv)
		}
	}
	return out, nil
}

type busyLocker struct{}

func (busyLocker) WithSlotLock(context.Context, string, func(context.Context) error) error {
	return redisclient.ErrLockNotAcquired
}

type recordingLocker struct {
	mu    sync.Mutex
	slots []string
}

func (l *recordingLocker) WithSlotLock(ctx context.Context, slot string, fn func(context.Context) error) error {
	l.mu.Lock()
	l.slots = append(l.slots, slot)
	l.mu.Unlock()
	return fn(ctx)
}

var (
	// 2026-03-02 is a Monday.
	monday = time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	// a Sunday well before monday, so monday is never "today"
	earlier = time.Date(2026, 2, 22, 12, 0, 0, 0, time.UTC)
)

func clocks(ss ...string) []clinic.Clock {
	out := make([]clinic.Clock, len(ss))
	for i, s := range ss {
		c, err := clinic.ParseClock(s)
		if err != nil {
			panic(err)
		}
		out[i] = c
	}
	return out
}

type fixture struct {
	svc    *Service
	repo   *memRepo
	doctor uuid.UUID
}

func newFixture(t *testing.T, now time.Time, opts ...Option) fixture {
	t.Helper()
	doctor := uuid.New()
	repo := newMemRepo()
	schedules := staticSchedules{
		doctor: {
			{DoctorID: doctor, DayOfWeek: 1, Start: clinic.NewClock(9, 0), End: clinic.NewClock(11, 0)},
		},
	}
	opts = append([]Option{WithLocation(time.UTC), WithNow(func() time.Time { return now })}, opts...)
	svc := NewService(repo, schedules, redisclient.NopLocker{}, zerolog.Nop(), opts...)
	return fixture{svc: svc, repo: repo, doctor: doctor}
}

func (f fixture) book(t *testing.T, at string) (*Appointment, error) {
	t.Helper()
	return f.svc.Book(context.Background(), BookRequest{
		PatientID: uuid.New(),
		DoctorID:  f.doctor,
		Date:      monday,
		Time:      clocks(at)[0],
	})
}

func TestBookingFlow_SlotsShrinkAndDoubleBookFails(t *testing.T) {
	f := newFixture(t, earlier)
	ctx := context.Background()

	slots, err := f.svc.AvailableSlots(ctx, f.doctor, monday)
	require.NoError(t, err)
	assert.Equal(t, clocks("09:00", "09:30", "10:00", "10:30"), slots)

	appt, err := f.book(t, "09:30")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, appt.Status)
	assert.NotEqual(t, uuid.Nil, appt.ID)

	slots, err = f.svc.AvailableSlots(ctx, f.doctor, monday)
	require.NoError(t, err)
	assert.Equal(t, clocks("09:00", "10:00", "10:30"), slots)

	_, err = f.book(t, "09:30")
	assert.ErrorIs(t, err, apperrors.ErrSlotTaken)

	assert.Equal(t, []string{EventAppointmentCreated}, f.repo.eventTypes())
}

func TestAvailableSlots_NoScheduleIsEmpty(t *testing.T) {
	f := newFixture(t, earlier)

	slots, err := f.svc.AvailableSlots(context.Background(), f.doctor, monday.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.NotNil(t, slots)
	assert.Empty(t, slots)

	slots, err = f.svc.AvailableSlots(context.Background(), uuid.New(), monday)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestAvailableSlots_TodayDropsPastAndCurrentStarts(t *testing.T) {
	f := newFixture(t, monday.Add(10*time.Hour))

	slots, err := f.svc.AvailableSlots(context.Background(), f.doctor, monday)
	require.NoError(t, err)
	assert.Equal(t, clocks("10:30"), slots, "10:00 is not strictly after now")
}

func TestAvailableSlots_Validation(t *testing.T) {
	f := newFixture(t, earlier)

	_, err := f.svc.AvailableSlots(context.Background(), uuid.Nil, monday)
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, err = f.svc.AvailableSlots(context.Background(), f.doctor, time.Time{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestAvailableSlots_StorageFailurePropagates(t *testing.T) {
	f := newFixture(t, earlier)
	f.repo.failWith = apperrors.PoolExhausted("acquire connection", context.DeadlineExceeded)

	_, err := f.svc.AvailableSlots(context.Background(), f.doctor, monday)
	assert.ErrorIs(t, err, apperrors.ErrPoolExhausted)
}

func TestSlots_PureCalculation(t *testing.T) {
	doc := uuid.New()
	intervals := []clinic.ScheduleInterval{
		{DoctorID: doc, DayOfWeek: 1, Start: clinic.NewClock(14, 0), End: clinic.NewClock(15, 15)},
		{DoctorID: doc, DayOfWeek: 1, Start: clinic.NewClock(9, 0), End: clinic.NewClock(10, 0)},
		{DoctorID: doc, DayOfWeek: 2, Start: clinic.NewClock(9, 0), End: clinic.NewClock(10, 0)},
	}

	got := Slots(intervals, clocks("14:00"), monday, earlier)
	assert.Equal(t, clocks("09:00", "09:30", "14:30"), got, "15:00 does not fit a full slot before 15:15")
}

func TestSlots_OverlappingIntervalsDoNotRepeat(t *testing.T) {
	intervals := []clinic.ScheduleInterval{
		{DayOfWeek: 1, Start: clinic.NewClock(9, 0), End: clinic.NewClock(10, 0)},
		{DayOfWeek: 1, Start: clinic.NewClock(9, 30), End: clinic.NewClock(10, 30)},
	}
	got := Slots(intervals, nil, monday, earlier)
	assert.Equal(t, clocks("09:00", "09:30", "10:00"), got)
}

func TestSlots_ShiftEndingAtMidnightOffersLastSlot(t *testing.T) {
	intervals := []clinic.ScheduleInterval{
		{DayOfWeek: 1, Start: clinic.NewClock(22, 30), End: clinic.EndOfDay},
	}
	got := Slots(intervals, nil, monday, earlier)
	assert.Equal(t, clocks("22:30", "23:00", "23:30"), got)
}

func TestBook_ValidationTouchesNothing(t *testing.T) {
	f := newFixture(t, earlier)
	ctx := context.Background()

	tests := []struct {
		name string
		req  BookRequest
	}{
		{"missing patient", BookRequest{DoctorID: f.doctor, Date: monday, Time: clinic.NewClock(9, 0)}},
		{"missing doctor", BookRequest{PatientID: uuid.New(), Date: monday, Time: clinic.NewClock(9, 0)}},
		{"missing date", BookRequest{PatientID: uuid.New(), DoctorID: f.doctor, Time: clinic.NewClock(9, 0)}},
		{"off grid", BookRequest{PatientID: uuid.New(), DoctorID: f.doctor, Date: monday, Time: clinic.NewClock(9, 15)}},
		{"out of day", BookRequest{PatientID: uuid.New(), DoctorID: f.doctor, Date: monday, Time: clinic.Clock(24 * 60)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Book(ctx, tt.req)
			assert.ErrorIs(t, err, apperrors.ErrValidation)
		})
	}
	assert.Empty(t, f.repo.appts)
}

func TestBook_UniqueViolationBecomesSlotTaken(t *testing.T) {
	f := newFixture(t, earlier)
	_, err := f.book(t, "10:00")
	require.NoError(t, err)

	f.repo.skipCount = true
	_, err = f.book(t, "10:00")
	assert.ErrorIs(t, err, apperrors.ErrSlotTaken)
}

func TestBook_LockContentionIsSlotTaken(t *testing.T) {
	f := newFixture(t, earlier)
	f.svc.locker = busyLocker{}

	_, err := f.book(t, "10:00")
	assert.ErrorIs(t, err, apperrors.ErrSlotTaken)
	assert.ErrorIs(t, err, redisclient.ErrLockNotAcquired)
}

func TestBook_LocksTheExactSlot(t *testing.T) {
	f := newFixture(t, earlier)
	l := &recordingLocker{}
	f.svc.locker = l

	_, err := f.book(t, "10:30")
	require.NoError(t, err)
	assert.Equal(t, []string{f.doctor.String() + ":2026-03-02:10:30"}, l.slots)
}

func TestBook_CanceledSlotCanBeRebooked(t *testing.T) {
	f := newFixture(t, earlier)
	appt, err := f.book(t, "09:00")
	require.NoError(t, err)

	_, err = f.svc.Cancel(context.Background(), appt.ID)
	require.NoError(t, err)

	_, err = f.book(t, "09:00")
	assert.NoError(t, err)
}

func TestBook_ConcurrentRequestsForOneSlot(t *testing.T) {
	f := newFixture(t, earlier)

	var wins, taken atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.book(t, "10:00")
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, apperrors.ErrSlotTaken):
				taken.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), wins.Load())
	assert.Equal(t, int64(15), taken.Load())
}

func TestUpdateStatus_PermissiveAcceptsAnyKnownStatus(t *testing.T) {
	f := newFixture(t, earlier)
	ctx := context.Background()
	appt, err := f.book(t, "09:00")
	require.NoError(t, err)

	done, err := f.svc.UpdateStatus(ctx, appt.ID, StatusDone)
	require.NoError(t, err)
	assert.Equal(t, StatusDone, done.Status)

	back, err := f.svc.UpdateStatus(ctx, appt.ID, StatusPending)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, back.Status)

	_, err = f.svc.UpdateStatus(ctx, appt.ID, Status("ARCHIVED"))
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestUpdateStatus_MissingAppointment(t *testing.T) {
	f := newFixture(t, earlier)

	_, err := f.svc.UpdateStatus(context.Background(), uuid.New(), StatusConfirmed)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = f.svc.Cancel(context.Background(), uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestUpdateStatus_StrictPolicy(t *testing.T) {
	f := newFixture(t, earlier, WithTransitionPolicy(Strict))
	ctx := context.Background()
	appt, err := f.book(t, "09:00")
	require.NoError(t, err)

	_, err = f.svc.UpdateStatus(ctx, appt.ID, StatusDone)
	assert.ErrorIs(t, err, apperrors.ErrValidation, "PENDING -> DONE skips confirmation")

	_, err = f.svc.UpdateStatus(ctx, appt.ID, StatusConfirmed)
	require.NoError(t, err)
	_, err = f.svc.UpdateStatus(ctx, appt.ID, StatusDone)
	require.NoError(t, err)

	_, err = f.svc.Cancel(ctx, appt.ID)
	assert.ErrorIs(t, err, apperrors.ErrValidation, "a finished visit cannot be canceled")

	assert.Equal(t, []string{
		EventAppointmentCreated,
		EventAppointmentStatusChanged,
		EventAppointmentStatusChanged,
	}, f.repo.eventTypes())
}

func TestTransitionPolicy_Allows(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusConfirmed, true},
		{StatusConfirmed, StatusDone, true},
		{StatusPending, StatusCanceled, true},
		{StatusConfirmed, StatusCanceled, true},
		{StatusDone, StatusPending, false},
		{StatusCanceled, StatusConfirmed, false},
		{StatusDone, StatusCanceled, false},
		{StatusPending, StatusPending, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Strict.Allows(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
		assert.True(t, Permissive.Allows(tt.from, tt.to))
	}
}

func TestListByPatient_ClampsPaging(t *testing.T) {
	f := newFixture(t, earlier)
	patient := uuid.New()
	for _, at := range []string{"09:00", "09:30", "10:00"} {
		_, err := f.svc.Book(context.Background(), BookRequest{
			PatientID: patient, DoctorID: f.doctor, Date: monday, Time: clocks(at)[0],
		})
		require.NoError(t, err)
	}

	got, err := f.svc.ListByPatient(context.Background(), patient, 0, -5)
	require.NoError(t, err)
	assert.Len(t, got, 3)

	got, err = f.svc.ListByPatient(context.Background(), patient, 2, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = f.svc.ListByPatient(context.Background(), uuid.Nil, 10, 0)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestListByDoctorDate(t *testing.T) {
	f := newFixture(t, earlier)
	_, err := f.book(t, "09:00")
	require.NoError(t, err)

	got, err := f.svc.ListByDoctorDate(context.Background(), f.doctor, monday)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = f.svc.ListByDoctorDate(context.Background(), f.doctor, monday.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Empty(t, got)
}
