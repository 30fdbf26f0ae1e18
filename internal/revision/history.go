// Package revision captures the backup history of a page.
package revision

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/pukiwiki-dumper/internal/wiki"
)

// ParseHistory turns a ?cmd=backup listing into revisions, most recent first,
// with the current version at index 0. Anchors whose age is not a number
// become revisions without an ID so the walker can report them.
func ParseHistory(doc *goquery.Document, now time.Time) []wiki.Revision {
	byAge := make(map[int]string)
	var broken []string
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		u, err := url.Parse(href)
		if err != nil {
			return
		}
		q := u.Query()
		if q.Get("cmd") != "backup" || !q.Has("age") {
			return
		}
		label := strings.TrimSpace(a.Text())
		age, err := strconv.Atoi(q.Get("age"))
		if err != nil || age <= 0 {
			broken = append(broken, label)
			return
		}
		// Only the plain age link carries the timestamp label.
		cur, seen := byAge[age]
		switch {
		case !q.Has("action") && cur == "":
			byAge[age] = label
		case !seen:
			byAge[age] = ""
		}
	})

	ages := make([]int, 0, len(byAge))
	for age := range byAge {
		ages = append(ages, age)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(ages)))

	out := make([]wiki.Revision, 0, len(ages)+len(broken)+1)
	out = append(out, wiki.Revision{Label: "current", RetrievedAt: now})
	for _, age := range ages {
		out = append(out, wiki.Revision{ID: strconv.Itoa(age), Label: byAge[age], RetrievedAt: now})
	}
	for _, label := range broken {
		out = append(out, wiki.Revision{Label: label, RetrievedAt: now})
	}
	return out
}
