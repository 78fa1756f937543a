package content

import "herald/internal/notification"

var defaultTemplates = map[notification.Kind]Template{
	notification.KindEventReminder: {
		Title:    `{{.event_title}} starts {{.when}}`,
		Message:  `Hi {{.user_name}}, {{.event_title}}{{if .location}} at {{.location}}{{end}} starts on {{time .starts_at}}.`,
		Defaults: map[string]any{"user_name": "there", "event_title": "Your event", "when": "soon", "location": ""},
	},
	notification.KindRegistrationDeadline: {
		Title:    `Registration for {{.event_title}} closes {{.when}}`,
		Message:  `Hi {{.user_name}}, complete your registration for {{.event_title}} before {{time .deadline}}.`,
		Defaults: map[string]any{"user_name": "there", "event_title": "your event", "when": "soon"},
	},
	notification.KindPaymentDue: {
		Title:    `Payment for {{.event_title}} is due {{.when}}`,
		Message:  `Hi {{.user_name}}, a payment of {{money .amount}} for {{.event_title}} is due on {{time .due_at}}.`,
		Defaults: map[string]any{"user_name": "there", "event_title": "your registration", "when": "soon", "amount": 0},
	},
	notification.KindProfileIncomplete: {
		Title:    `Complete your profile`,
		Message:  `Hi {{.user_name}}, a few details are still missing from your profile.`,
		Defaults: map[string]any{"user_name": "there"},
	},
	notification.KindWaitlistPromoted: {
		Title:    `You're in: {{.event_title}}`,
		Message:  `Hi {{.user_name}}, a spot opened up and your registration for {{.event_title}} is confirmed.`,
		Defaults: map[string]any{"user_name": "there", "event_title": "your event"},
	},
	genericKind: {
		Title:    `{{if .title}}{{.title}}{{else}}Notification{{end}}`,
		Message:  `{{if .message}}{{.message}}{{else}}You have a new notification.{{end}}`,
		Defaults: map[string]any{"title": "", "message": ""},
	},
}
