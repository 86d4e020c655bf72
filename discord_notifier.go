package main

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
)

// DiscordNotifier posts block announcements to a configured channel. It is
// entirely optional: a nil receiver is a no-op, and send failures are
// logged and dropped so Discord outages never touch pool operation.
type DiscordNotifier struct {
	session   *discordgo.Session
	channelID string
}

func NewDiscordNotifier(cfg Config) (*DiscordNotifier, error) {
	if cfg.DiscordToken == "" || cfg.DiscordChannelID == "" {
		return nil, nil
	}
	session, err := discordgo.New("Bot " + cfg.DiscordToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	if err := session.Open(); err != nil {
		return nil, fmt.Errorf("discord connect: %w", err)
	}
	logger.Info("discord notifications enabled", "channel", cfg.DiscordChannelID)
	return &DiscordNotifier{session: session, channelID: cfg.DiscordChannelID}, nil
}

func (dn *DiscordNotifier) AnnounceBlockFound(height uint64, hash, foundBy string) {
	dn.send(fmt.Sprintf(":pick: Block **%d** found by `%s`\n`%s`", height, foundBy, hash))
}

func (dn *DiscordNotifier) AnnounceBlockConfirmed(height uint64, hash string) {
	dn.send(fmt.Sprintf(":white_check_mark: Block **%d** confirmed\n`%s`", height, hash))
}

func (dn *DiscordNotifier) send(msg string) {
	if dn == nil || dn.session == nil {
		return
	}
	go func() {
		if _, err := dn.session.ChannelMessageSend(dn.channelID, msg); err != nil {
			logger.Warn("discord send failed", "error", err)
		}
	}()
}

func (dn *DiscordNotifier) Close() {
	if dn == nil || dn.session == nil {
		return
	}
	_ = dn.session.Close()
}
