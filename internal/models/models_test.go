package models

import "testing"

func TestBackupStatusTerminal(t *testing.T) {
	cases := map[BackupStatus]bool{
		BackupStatusPending: false,
		BackupStatusSuccess: true,
		BackupStatusFailure: true,
	}
	for status, want := range cases {
		if got := status.Terminal(); got != want {
			t.Errorf("Terminal(%s) = %v, want %v", status, got, want)
		}
	}
}

func TestBackupValidate(t *testing.T) {
	artifact := "artifact-1"
	empty := ""

	tests := []struct {
		name    string
		backup  Backup
		wantErr bool
	}{
		{
			name:   "pending needs nothing",
			backup: Backup{ID: "b1", Status: BackupStatusPending},
		},
		{
			name:   "valid success",
			backup: Backup{ID: "b2", Status: BackupStatusSuccess, ArtifactID: &artifact, SizeBytes: 100},
		},
		{
			name:    "success without artifact",
			backup:  Backup{ID: "b3", Status: BackupStatusSuccess, SizeBytes: 100},
			wantErr: true,
		},
		{
			name:    "success with empty artifact id",
			backup:  Backup{ID: "b4", Status: BackupStatusSuccess, ArtifactID: &empty, SizeBytes: 100},
			wantErr: true,
		},
		{
			name:    "success with zero size",
			backup:  Backup{ID: "b5", Status: BackupStatusSuccess, ArtifactID: &artifact},
			wantErr: true,
		},
		{
			name:   "valid failure",
			backup: Backup{ID: "b6", Status: BackupStatusFailure, ErrorMessage: "disk full"},
		},
		{
			name:    "failure without message",
			backup:  Backup{ID: "b7", Status: BackupStatusFailure},
			wantErr: true,
		},
		{
			name:    "unknown status",
			backup:  Backup{ID: "b8", Status: "limbo"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.backup.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAPIResponseHelpers(t *testing.T) {
	if r := Success("data"); r.Status != string(APIStatusOK) || r.Result != "data" {
		t.Errorf("Success() = %+v", r)
	}
	if r := SuccessWithMessage("done", nil); r.Status != string(APIStatusOK) || r.Message != "done" {
		t.Errorf("SuccessWithMessage() = %+v", r)
	}
	if r := Error("boom"); r.Status != string(APIStatusError) || r.Message != "boom" {
		t.Errorf("Error() = %+v", r)
	}
}
