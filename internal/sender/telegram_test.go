package sender

import (
	"context"
	"errors"
	"fmt"
	"testing"

	tele "gopkg.in/telebot.v4"

	logx "medremind/pkg/logx"
)

func TestClassifyTelegram(t *testing.T) {
	cases := []struct {
		err       error
		permanent bool
	}{
		{&tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"}, true},
		{fmt.Errorf("send: %w", &tele.Error{Code: 400, Description: "Bad Request: chat not found"}), true},
		{&tele.Error{Code: 429, Description: "Too Many Requests"}, false},
		{&tele.Error{Code: 502, Description: "Bad Gateway"}, false},
		{errors.New("dial tcp: connection refused"), false},
	}
	for _, tc := range cases {
		if got := IsPermanent(classifyTelegram(tc.err)); got != tc.permanent {
			t.Errorf("classifyTelegram(%v) permanent = %v, want %v", tc.err, got, tc.permanent)
		}
	}
}

func TestTelegramRejectsBadChatID(t *testing.T) {
	tg, err := NewTelegram(TelegramConfig{Token: "123:abc"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	if err := tg.Send(context.Background(), "not-a-number", "x"); !IsPermanent(err) {
		t.Fatalf("want permanent, got %v", err)
	}
	if _, err := NewTelegram(TelegramConfig{}, logx.Nop()); err == nil {
		t.Fatal("empty token must fail")
	}
}
