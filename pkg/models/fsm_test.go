package models

import "testing"

func TestValidateBootTransition(t *testing.T) {
	tests := []struct {
		name    string
		from    ConnectivityState
		kind    RebootKind
		wantErr bool
	}{
		// Valid transitions
		{"Online full reboot", StateOnline, RebootFull, false},
		{"Offline full reboot", StateOffline, RebootFull, false},
		{"Bootloader full reboot", StateBootloader, RebootFull, false},
		{"Online userspace reboot", StateOnline, RebootUserspace, false},
		{"Online to bootloader", StateOnline, RebootBootloader, false},
		{"Recovery to bootloader", StateRecovery, RebootBootloader, false},
		{"Bootloader to fastbootd", StateBootloader, RebootFastbootd, false},
		{"Online to recovery", StateOnline, RebootRecovery, false},
		{"Recovery to sideload", StateRecovery, RebootSideload, false},
		{"Unavailable to bootloader", StateNotAvailable, RebootBootloader, false},

		// Invalid transitions
		{"Unavailable full reboot", StateNotAvailable, RebootFull, true},
		{"Offline userspace reboot", StateOffline, RebootUserspace, true},
		{"Bootloader userspace reboot", StateBootloader, RebootUserspace, true},
		{"Recovery userspace reboot", StateRecovery, RebootUserspace, true},
		{"Unknown kind", StateOnline, RebootKind("warm"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBootTransition(tt.from, tt.kind)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateBootTransition(%v, %v) error = %v, wantErr %v",
					tt.from, tt.kind, err, tt.wantErr)
			}
		})
	}
}

func TestTargetState(t *testing.T) {
	tests := []struct {
		kind     RebootKind
		expected ConnectivityState
	}{
		{RebootFull, StateOnline},
		{RebootUserspace, StateOnline},
		{RebootBootloader, StateBootloader},
		{RebootFastbootd, StateFastbootd},
		{RebootRecovery, StateRecovery},
		{RebootSideload, StateSideload},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.TargetState(); got != tt.expected {
				t.Errorf("%s.TargetState() = %v, expected %v", tt.kind, got, tt.expected)
			}
		})
	}
}

func TestFullCycle(t *testing.T) {
	if RebootUserspace.FullCycle() {
		t.Error("userspace reboot must not count as a full cycle")
	}
	for _, k := range []RebootKind{RebootFull, RebootBootloader, RebootFastbootd, RebootRecovery, RebootSideload} {
		if !k.FullCycle() {
			t.Errorf("%s should be a full cycle", k)
		}
	}
}

func TestParseStates(t *testing.T) {
	if s, err := ParseConnectivityState("bootloader"); err != nil || s != StateBootloader {
		t.Errorf("ParseConnectivityState(bootloader) = %v, %v", s, err)
	}
	if _, err := ParseConnectivityState("flying"); err == nil {
		t.Error("expected error for unknown state")
	}
	if m, err := ParseRecoveryMode(""); err != nil || m != RecoveryAvailable {
		t.Errorf("ParseRecoveryMode(\"\") = %v, %v", m, err)
	}
	if m, err := ParseRecoveryMode("none"); err != nil || m != RecoveryNone {
		t.Errorf("ParseRecoveryMode(none) = %v, %v", m, err)
	}
	if k, err := ParseRebootKind(""); err != nil || k != RebootFull {
		t.Errorf("ParseRebootKind(\"\") = %v, %v", k, err)
	}
}

func TestUserFlagNames(t *testing.T) {
	u := UserRecord{ID: 0, Name: "Owner", Flags: UserFlagPrimary | UserFlagAdmin | UserFlagInitialized}
	if !u.IsPrimary() || !u.IsAdmin() {
		t.Fatalf("expected primary admin user, got flags %x", u.Flags)
	}
	if got := u.FlagNames(); got != "primary,admin" {
		t.Errorf("FlagNames() = %q, expected %q", got, "primary,admin")
	}
}
