package service

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"telemedsync/internal/database"
	"telemedsync/internal/models"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// Property: however many appointments are booked offline, coming online and
// reconciling yields exactly that many records on both sides, all synced with
// distinct remote ids, and a second cycle changes nothing.
func TestReconcileConvergenceProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	// Keep generated slices within the SuchThat bound below (len <= 6);
	// with the default MaxSize of 100 nearly every slice is discarded and
	// the run gives up before reaching MinSuccessfulTests.
	parameters.MaxSize = 7

	properties := gopter.NewProperties(parameters)

	properties.Property("offline bookings converge without duplication", prop.ForAll(
		func(slots []int) bool {
			dir, err := filepath.Abs(t.TempDir())
			if err != nil {
				return false
			}
			db, err := database.New(filepath.Join(dir, "prop.db"))
			if err != nil {
				return false
			}
			defer db.Close()

			cloudClient := newFakeCloud()
			connectivity := manualConnectivity()
			connectivity.SetOnline(false)

			session, err := models.NewSession(models.RolePatient, "9876543210", "Asha Rao")
			if err != nil {
				return false
			}
			r := NewReconciler(db, cloudClient, connectivity, session, testLogger())
			ctx := context.Background()

			for i, slot := range slots {
				_, err := db.CreateAppointment(ctx, &models.Appointment{
					PatientID:   "9876543210",
					PatientName: "Asha Rao",
					DoctorID:    fmt.Sprintf("doc-%d", slot%3),
					Date:        "2025-03-01",
					Time:        fmt.Sprintf("%02d:%02d", 9+slot%8, (i*5)%60),
					Symptoms:    fmt.Sprintf("symptom set %d-%d", i, slot),
					TokenNumber: i + 1,
				})
				if err != nil {
					return false
				}
			}

			connectivity.SetOnline(true)
			first, err := r.ReconcileCycle(ctx)
			if err != nil {
				return false
			}
			if len(first) != len(slots) || cloudClient.rowCount() != len(slots) {
				return false
			}

			remoteIDs := map[string]bool{}
			for _, appt := range first {
				if appt.SyncState != models.SyncStateSynced || appt.RemoteID == nil {
					return false
				}
				remoteIDs[*appt.RemoteID] = true
			}
			if len(remoteIDs) != len(slots) {
				return false
			}

			second, err := r.ReconcileCycle(ctx)
			if err != nil {
				return false
			}
			if len(second) != len(slots) || cloudClient.rowCount() != len(slots) {
				return false
			}
			versions := map[int64]int64{}
			for _, appt := range first {
				versions[appt.ID] = appt.Version
			}
			for _, appt := range second {
				if versions[appt.ID] != appt.Version {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 23)).SuchThat(func(v interface{}) bool {
			return len(v.([]int)) <= 6
		}),
	))

	properties.TestingRun(t)
}
