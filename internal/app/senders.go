package app

import (
	"fmt"
	"strings"

	"medremind/internal/sender"
	logx "medremind/pkg/logx"
)

// buildSender routes contacts to every configured channel. The returned
// close func disconnects long-lived clients.
func buildSender(cfg senderConfig, log logx.Logger) (sender.Sender, func(), error) {
	r := sender.NewRouter(log.With(logx.String("comp", "sender")))
	closers := []func(){}
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Twilio.Configured() {
		tw, err := sender.NewTwilio(cfg.Twilio, log.With(logx.String("comp", "sender.twilio")))
		if err != nil {
			return nil, nil, fmt.Errorf("twilio: %w", err)
		}
		r.Handle(sender.SchemeSMS, tw)
	}
	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		tg, err := sender.NewTelegram(cfg.Telegram, log.With(logx.String("comp", "sender.telegram")))
		if err != nil {
			return nil, nil, fmt.Errorf("telegram: %w", err)
		}
		r.Handle(sender.SchemeTelegram, tg)
	}
	if strings.TrimSpace(cfg.MQTT.Broker) != "" {
		mq, err := sender.NewMQTT(cfg.MQTT, log.With(logx.String("comp", "sender.mqtt")))
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("mqtt: %w", err)
		}
		closers = append(closers, mq.Close)
		r.Handle(sender.SchemeMQTT, mq)
	}

	logSender := sender.NewLog(log.With(logx.String("comp", "sender.log")))
	r.Handle(sender.SchemeLog, logSender)
	if cfg.LogEnabled {
		r.Fallback(logSender)
	}

	log.Info("senders configured", logx.Any("schemes", r.Schemes()), logx.Bool("log_fallback", cfg.LogEnabled))
	return sender.Limited(r, sender.NewLimiter(cfg.RatePerSec, cfg.Burst)), closeAll, nil
}
