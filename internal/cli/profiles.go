package cli

import (
	"fmt"
	"net/http"
	"strings"
	"text/tabwriter"

	"github.com/yumelira/yumebox-go/internal/api"
	"github.com/yumelira/yumebox-go/internal/traffic"
)

// ListProfiles lists the imported profiles.
func (c *APIClient) ListProfiles() error {
	var profiles []api.ProfileView
	if err := c.getJSON("/api/v1/profiles", &profiles); err != nil {
		return err
	}
	if len(profiles) == 0 {
		c.println("No profiles")
		return nil
	}

	w := tabwriter.NewWriter(c.Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, " \tID\tNAME\tSOURCE\tSIZE\tINFO")
	for _, p := range profiles {
		mark := " "
		if p.Enabled {
			mark = "*"
		}
		info := strings.ReplaceAll(p.Info, "\n", "; ")
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", mark, p.ID, p.Name, p.Source, traffic.FormatBytes(p.FileSize), info)
	}
	return w.Flush()
}

// AddProfile imports a subscription URL or a local file.
func (c *APIClient) AddProfile(req api.ImportRequest) error {
	var p api.ProfileView
	if err := c.call(http.MethodPost, "/api/v1/profiles", req, &p); err != nil {
		return err
	}
	c.printf("Profile %s imported (%s)\n", p.Name, p.ID)
	return nil
}

// UpdateProfile downloads a profile again, or every URL profile when key is blank.
func (c *APIClient) UpdateProfile(key string) error {
	if key == "" {
		if err := c.call(http.MethodPost, "/api/v1/profiles/update", nil, nil); err != nil {
			return err
		}
		c.println("Profiles updated")
		return nil
	}

	var p api.ProfileView
	if err := c.call(http.MethodPost, "/api/v1/profiles/"+esc(key)+"/update", nil, &p); err != nil {
		return err
	}
	c.printf("Profile %s updated: %s\n", p.Name, strings.ReplaceAll(p.Info, "\n", "; "))
	return nil
}

// EditProfile changes profile details.
func (c *APIClient) EditProfile(key string, req api.EditRequest) error {
	var p api.ProfileView
	if err := c.call(http.MethodPut, "/api/v1/profiles/"+esc(key), req, &p); err != nil {
		return err
	}
	c.printf("Profile %s saved\n", p.Name)
	return nil
}

// RemoveProfile deletes a profile.
func (c *APIClient) RemoveProfile(key string) error {
	if err := c.call(http.MethodDelete, "/api/v1/profiles/"+esc(key), nil, nil); err != nil {
		return err
	}
	c.printf("Profile %s removed\n", key)
	return nil
}

// ReorderProfiles moves the given profile ids to the front, in order.
func (c *APIClient) ReorderProfiles(ids []string) error {
	if err := c.call(http.MethodPut, "/api/v1/profiles/order", api.OrderRequest{IDs: ids}, nil); err != nil {
		return err
	}
	return c.ListProfiles()
}

// CleanupProfiles removes stored configurations of deleted profiles.
func (c *APIClient) CleanupProfiles() error {
	var resp map[string]int
	if err := c.call(http.MethodPost, "/api/v1/profiles/cleanup", nil, &resp); err != nil {
		return err
	}
	c.printf("Removed %d orphaned configuration(s)\n", resp["removed"])
	return nil
}
