/************************************************************************************
 *
 * goda (Golang Optimized Discord API), A Lightweight Go library for Discord API
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 Marouane Souiri
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package bauxite

import (
	"strings"
	"time"
)

// oldMessageCutoff is how long after creation a message delete route moves
// into its own rate-limit bucket. Discord applies a stricter bucket to
// MESSAGE_DELETE on messages older than this.
const oldMessageCutoff = 14 * 24 * time.Hour

// Route describes a single REST endpoint invocation: the HTTP method, the
// already-formatted request path, and the discriminators that feed into the
// rate-limit bucket key. Routes are immutable after construction.
type Route struct {
	Method string
	Path   string

	GuildID      string
	ChannelID    string
	WebhookID    string
	WebhookToken string

	bucket string
}

// NewRoute formats path against params (named placeholders like "{guild_id}")
// and derives the route's rate-limit bucket key. guildID/channelID/webhookID/
// webhookToken are bucket discriminators and are also substituted into the
// path template when the matching placeholder is present.
func NewRoute(method, path string, params map[string]string) *Route {
	guildID := params["guild_id"]
	channelID := params["channel_id"]
	webhookID := params["webhook_id"]
	webhookToken := params["webhook_token"]

	formatted := path
	for key, value := range params {
		formatted = strings.ReplaceAll(formatted, "{"+key+"}", value)
	}

	r := &Route{
		Method:       method,
		Path:         formatted,
		GuildID:      guildID,
		ChannelID:    channelID,
		WebhookID:    webhookID,
		WebhookToken: webhookToken,
	}
	r.bucket = computeBucketKey(formatted, guildID, channelID, webhookID, webhookToken)
	return r
}

// Bucket returns the rate-limit bucket key for this route. Equal routes
// (equal method, formatted path, and discriminator tuple) always produce
// equal bucket keys.
func (r *Route) Bucket() string {
	return r.bucket
}

func computeBucketKey(formattedPath, guildID, channelID, webhookID, webhookToken string) string {
	webhookPart := "null"
	if webhookID != "" {
		webhookPart = webhookID + ":" + webhookToken
	}
	return formattedPath + "-" + guildID + ":" + channelID + ":" + webhookPart
}

// routeForMessageDelete builds the Route for DELETE /channels/{channel_id}/messages/{message_id},
// applying the old-message bucket special case: Discord buckets deletes of
// messages older than oldMessageCutoff separately from recent ones, because
// the former are much more aggressively rate limited. messageID is the
// message's snowflake as it would appear in the URL.
func routeForMessageDelete(channelID string, messageID Snowflake) *Route {
	path := "/channels/{channel_id}/messages/{message_id}"
	params := map[string]string{
		"channel_id": channelID,
		"message_id": messageID.String(),
	}

	r := NewRoute("DELETE", path, params)
	if time.Since(messageID.Timestamp()) > oldMessageCutoff {
		r.bucket += ":old-message-delete"
	}
	return r
}
