package classify

import "github.com/mileusna/useragent"

type Agent struct {
	Device  string
	OS      string
	Browser string
	Bot     bool
}

type UAParser interface {
	Parse(ua string) Agent
}

// UserAgentParser wraps mileusna/useragent.
type UserAgentParser struct{}

func (UserAgentParser) Parse(raw string) Agent {
	if raw == "" {
		return Agent{}
	}

	ua := useragent.Parse(raw)
	agent := Agent{
		OS:      ua.OS,
		Browser: ua.Name,
		Bot:     ua.Bot,
	}
	switch {
	case ua.Bot:
		agent.Device = "bot"
	case ua.Tablet:
		agent.Device = "tablet"
	case ua.Mobile:
		agent.Device = "mobile"
	case ua.Desktop:
		agent.Device = "desktop"
	}
	return agent
}
