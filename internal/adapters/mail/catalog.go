package mail

// Kind はメールの種類です。
type Kind string

const (
	KindUserCreated   Kind = "user_created"
	KindUserUpdated   Kind = "user_updated"
	KindActiveChanged Kind = "user_active_changed"
	KindUserDeleted   Kind = "user_deleted"
	KindVerifyEmail   Kind = "user_verify_email"
)

type entry struct {
	subject string
	body    string
}

// catalog はロケールごとの件名と本文テンプレートです。本文は html/template で展開されます。
var catalog = map[string]map[Kind]entry{
	"en": {
		KindUserCreated: {
			subject: "Your account has been created",
			body: `<p>Hello {{.FullName}},</p>
<p>An account has been created for you with the email address {{.Email}} (employee number {{.EmployeeNumber}}).</p>
<p>You will receive a separate message asking you to confirm your email address.</p>`,
		},
		KindUserUpdated: {
			subject: "Your account details have been updated",
			body: `<p>Hello {{.FullName}},</p>
<p>Your account details have been updated. Email: {{.Email}}, employee number: {{.EmployeeNumber}}.</p>`,
		},
		KindActiveChanged: {
			subject: "Your account status has changed",
			body: `<p>Hello {{.FullName}},</p>
<p>The status of the account {{.Email}} (employee number {{.EmployeeNumber}}) has changed. Active: {{.IsActive}}.</p>`,
		},
		KindUserDeleted: {
			subject: "Your account has been deleted",
			body: `<p>Hello {{.FullName}},</p>
<p>The account {{.Email}} (employee number {{.EmployeeNumber}}) has been deleted.</p>`,
		},
		KindVerifyEmail: {
			subject: "Confirm your email address",
			body: `<p>Please confirm the email address {{.Email}} by opening the link below.</p>
<p><a href="{{.Link}}">{{.Link}}</a></p>`,
		},
	},
	"pl": {
		KindUserCreated: {
			subject: "Twoje konto zostało utworzone",
			body: `<p>Witaj {{.FullName}},</p>
<p>Utworzyliśmy dla Ciebie konto z adresem e-mail {{.Email}} (numer pracownika {{.EmployeeNumber}}).</p>
<p>Osobna wiadomość poprosi Cię o potwierdzenie adresu e-mail.</p>`,
		},
		KindUserUpdated: {
			subject: "Dane Twojego konta zostały zaktualizowane",
			body: `<p>Witaj {{.FullName}},</p>
<p>Dane Twojego konta zostały zaktualizowane. E-mail: {{.Email}}, numer pracownika: {{.EmployeeNumber}}.</p>`,
		},
		KindActiveChanged: {
			subject: "Status Twojego konta został zmieniony",
			body: `<p>Witaj {{.FullName}},</p>
<p>Status konta {{.Email}} (numer pracownika {{.EmployeeNumber}}) został zmieniony. Aktywne: {{.IsActive}}.</p>`,
		},
		KindUserDeleted: {
			subject: "Twoje konto zostało usunięte",
			body: `<p>Witaj {{.FullName}},</p>
<p>Konto {{.Email}} (numer pracownika {{.EmployeeNumber}}) zostało usunięte.</p>`,
		},
		KindVerifyEmail: {
			subject: "Potwierdź swój adres e-mail",
			body: `<p>Potwierdź adres e-mail {{.Email}}, otwierając poniższy link.</p>
<p><a href="{{.Link}}">{{.Link}}</a></p>`,
		},
	},
}

// Locales は利用可能なロケールを返します。
func Locales() []string {
	locales := make([]string, 0, len(catalog))
	for locale := range catalog {
		locales = append(locales, locale)
	}
	return locales
}
