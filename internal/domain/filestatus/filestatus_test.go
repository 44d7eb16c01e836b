package filestatus

import (
	"errors"
	"testing"
)

func TestCheck(t *testing.T) {
	tests := []struct {
		from, to Status
		wantErr  bool
		wantCode string
	}{
		{Pending, InProgress, false, ""},
		{InProgress, Synced, false, ""},
		{InProgress, Failed, false, ""},
		{Failed, Pending, false, ""},

		{Pending, Synced, true, CodeInvalidTransition},
		{Pending, Failed, true, CodeInvalidTransition},
		{Synced, Pending, true, CodeInvalidTransition},
		{Synced, InProgress, true, CodeInvalidTransition},
		{Synced, Failed, true, CodeInvalidTransition},
		{Failed, InProgress, true, CodeInvalidTransition},
		{Failed, Synced, true, CodeInvalidTransition},
		{InProgress, Pending, true, CodeInvalidTransition},
		{Status("DONE"), Synced, true, CodeInvalidStatus},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			err := Check(tt.from, tt.to)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Check() ошибка = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				return
			}
			var te *TransitionError
			if !errors.As(err, &te) {
				t.Fatalf("ожидался *TransitionError, получен %T", err)
			}
			if te.Code != tt.wantCode {
				t.Errorf("Code = %q, ожидается %q", te.Code, tt.wantCode)
			}
		})
	}
}

func TestTerminalAndSyncable(t *testing.T) {
	for _, s := range All() {
		wantTerminal := s == Synced
		if s.Terminal() != wantTerminal {
			t.Errorf("%s.Terminal() = %v, ожидается %v", s, s.Terminal(), wantTerminal)
		}
		wantSyncable := s == Pending || s == Failed
		if s.Syncable() != wantSyncable {
			t.Errorf("%s.Syncable() = %v, ожидается %v", s, s.Syncable(), wantSyncable)
		}
	}
}

func TestParse(t *testing.T) {
	got, err := Parse(" synced ")
	if err != nil {
		t.Fatalf("Parse() ошибка: %v", err)
	}
	if got != Synced {
		t.Errorf("Parse() = %q, ожидается SYNCED", got)
	}

	if _, err := Parse("uploaded"); err == nil {
		t.Error("Parse(uploaded) должен вернуть ошибку")
	}
}
