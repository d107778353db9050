package calendar

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/endpoints"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

const (
	ProviderGoogle = "google"

	maxEventPages = 10
)

// Google reads events with the Google Calendar API using each practitioner's
// stored refresh token.
type Google struct {
	oauth *oauth2.Config
}

func NewGoogle(clientID, clientSecret, redirectURL string) *Google {
	return &Google{oauth: &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     endpoints.Google,
		Scopes:       []string{gcal.CalendarReadonlyScope},
	}}
}

// AuthCodeURL returns the consent page URL. Offline access with forced
// approval makes Google return a refresh token.
func (g *Google) AuthCodeURL(state string) string {
	return g.oauth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
}

// Exchange trades an authorisation code for a refresh token.
func (g *Google) Exchange(ctx context.Context, code string) (string, error) {
	tok, err := g.oauth.Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchange code: %w", err)
	}
	if tok.RefreshToken == "" {
		return "", fmt.Errorf("exchange code: no refresh token granted")
	}
	return tok.RefreshToken, nil
}

func (g *Google) Events(ctx context.Context, conn *Connection, from, to time.Time) ([]Event, error) {
	ts := g.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: conn.RefreshToken})
	svc, err := gcal.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("create calendar client: %w", err)
	}

	calendarID := conn.CalendarID
	if calendarID == "" {
		calendarID = "primary"
	}

	var (
		out   []Event
		token string
	)
	for page := 0; page < maxEventPages; page++ {
		call := svc.Events.List(calendarID).
			TimeMin(from.Format(time.RFC3339)).
			TimeMax(to.Format(time.RFC3339)).
			SingleEvents(true).
			OrderBy("startTime").
			Context(ctx)
		if token != "" {
			call = call.PageToken(token)
		}
		res, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list events: %w", err)
		}
		events, err := busyEvents(res)
		if err != nil {
			return nil, err
		}
		out = append(out, events...)
		if res.NextPageToken == "" {
			break
		}
		token = res.NextPageToken
	}
	return out, nil
}

// busyEvents keeps events that occupy time: confirmed or tentative, and not
// marked "show as available".
func busyEvents(res *gcal.Events) ([]Event, error) {
	calTZ := time.UTC
	if res.TimeZone != "" {
		if loc, err := time.LoadLocation(res.TimeZone); err == nil {
			calTZ = loc
		}
	}

	var out []Event
	for _, item := range res.Items {
		if item.Status == "cancelled" || item.Transparency == "transparent" {
			continue
		}
		start, err := eventTime(item.Start, calTZ)
		if err != nil {
			return nil, fmt.Errorf("event %s start: %w", item.Id, err)
		}
		end, err := eventTime(item.End, calTZ)
		if err != nil {
			return nil, fmt.Errorf("event %s end: %w", item.Id, err)
		}
		if !end.After(start) {
			continue
		}
		out = append(out, Event{Title: item.Summary, Start: start, End: end})
	}
	return out, nil
}

// eventTime reads a timed or all-day boundary. All-day dates are midnight in
// the event's zone, falling back to the calendar's.
func eventTime(dt *gcal.EventDateTime, calTZ *time.Location) (time.Time, error) {
	if dt == nil {
		return time.Time{}, fmt.Errorf("missing time")
	}
	if dt.DateTime != "" {
		return time.Parse(time.RFC3339, dt.DateTime)
	}
	loc := calTZ
	if dt.TimeZone != "" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	return time.ParseInLocation("2006-01-02", dt.Date, loc)
}
