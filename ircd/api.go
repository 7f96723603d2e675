package main

import (
	"context"
	"errors"
	"strconv"
	"time"

	ratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"ircnet/auth"
	"ircnet/daemon"
	"ircnet/db"
	"ircnet/irc"
	"ircnet/link"
	"ircnet/netdb"
	"ircnet/router"
)

func keyFunc(c *gin.Context) string {
	return c.ClientIP()
}

func rateLimiterrorHandler(c *gin.Context, info ratelimit.Info) {
	c.String(429, "Too many requests. Try again in "+time.Until(info.ResetTime).String())
}

type api struct {
	d *daemon.Daemon
}

func newRouter(d *daemon.Daemon) *gin.Engine {
	cfg := d.Config()
	a := &api{d: d}

	r := gin.Default()

	store := ratelimit.InMemoryStore(&ratelimit.InMemoryOptions{Rate: time.Second, Limit: 50})
	r.Use(ratelimit.RateLimiter(store, &ratelimit.Options{ErrorHandler: rateLimiterrorHandler, KeyFunc: keyFunc}))
	r.Use(cors.Default())

	r.GET("/healthz", a.handleHealth)
	r.GET("/link", d.HandleLinkSocket)
	r.POST("/api/login", auth.HandleLogin(cfg.OperName, cfg.OperPassHash, cfg.JWTSecret))

	admin := r.Group("/api", auth.JwtMiddleware(cfg.JWTSecret))
	admin.GET("/stats", a.handleStats)
	admin.GET("/servers", a.handleServers)
	admin.GET("/users", a.handleUsers)
	admin.GET("/channels", a.handleChannels)
	admin.GET("/channels/:name", a.handleChannel)
	admin.GET("/links", a.handleLinks)
	admin.POST("/links", a.handleUpsertLink)
	admin.DELETE("/links/:name", a.handleDeleteLink)
	admin.POST("/connect/:name", a.handleConnect)
	admin.POST("/squit/:name", a.handleSquit)
	admin.GET("/audit", a.handleAudit)

	return r
}

func (a *api) handleHealth(c *gin.Context) {
	c.JSON(200, gin.H{"status": "ok", "server": a.d.Config().ServerName})
}

func (a *api) handleStats(c *gin.Context) {
	nd := a.d.Router().DB()
	registered, unregistered := a.d.Clients().Count()
	c.JSON(200, gin.H{
		"servers":         nd.ServerCount(),
		"users":           nd.UserCount(),
		"channels":        nd.ChannelCount(),
		"local_clients":   registered,
		"pending_clients": unregistered,
		"metrics":         a.d.Metrics().Snapshot(),
	})
}

type serverView struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Hops        int    `json:"hops"`
	Uplink      string `json:"uplink,omitempty"`
	Users       int    `json:"users"`
}

func (a *api) handleServers(c *gin.Context) {
	servers := a.d.Router().DB().Servers()
	out := make([]serverView, 0, len(servers))
	for _, s := range servers {
		out = append(out, serverView{
			Name:        s.Name,
			Description: s.Description,
			Hops:        s.Hops,
			Uplink:      s.Uplink,
			Users:       len(s.Users),
		})
	}
	c.JSON(200, out)
}

type userView struct {
	UID      string   `json:"uid"`
	Nick     string   `json:"nick"`
	Mask     string   `json:"mask"`
	RealName string   `json:"real_name"`
	Server   string   `json:"server"`
	TS       int64    `json:"ts"`
	Modes    string   `json:"modes"`
	Channels []string `json:"channels"`
}

func newUserView(u netdb.User) userView {
	return userView{
		UID:      u.UID,
		Nick:     u.Nick,
		Mask:     u.Hostmask(),
		RealName: u.RealName,
		Server:   u.Server,
		TS:       u.TS,
		Modes:    "+" + u.Modes,
		Channels: u.ChannelNames(),
	}
}

func (a *api) handleUsers(c *gin.Context) {
	users := a.d.Router().DB().Users()
	out := make([]userView, 0, len(users))
	for _, u := range users {
		out = append(out, newUserView(u))
	}
	c.JSON(200, out)
}

type memberView struct {
	Nick   string `json:"nick"`
	UID    string `json:"uid"`
	Prefix string `json:"prefix,omitempty"`
}

type channelView struct {
	Name    string       `json:"name"`
	TS      int64        `json:"ts"`
	Modes   string       `json:"modes"`
	Topic   string       `json:"topic,omitempty"`
	Members []memberView `json:"members,omitempty"`
	Count   int          `json:"count"`
	Bans    []string     `json:"bans,omitempty"`
	Excepts []string     `json:"excepts,omitempty"`
	Invex   []string     `json:"invex,omitempty"`
}

func (a *api) handleChannels(c *gin.Context) {
	channels := a.d.Router().DB().Channels()
	out := make([]channelView, 0, len(channels))
	for _, ch := range channels {
		modes, _ := ch.ModeString()
		out = append(out, channelView{Name: ch.Name, TS: ch.TS, Modes: modes, Topic: ch.Topic, Count: len(ch.Members)})
	}
	c.JSON(200, out)
}

func (a *api) handleChannel(c *gin.Context) {
	name := c.Param("name")
	if !irc.IsChannel(name) {
		name = "#" + name
	}
	nd := a.d.Router().DB()
	ch, ok := nd.Channel(name)
	if !ok {
		c.JSON(404, gin.H{"error": "Channel not found"})
		return
	}
	modes, _ := ch.ModeString()
	view := channelView{
		Name:    ch.Name,
		TS:      ch.TS,
		Modes:   modes,
		Topic:   ch.Topic,
		Count:   len(ch.Members),
		Bans:    ch.Bans,
		Excepts: ch.Excepts,
		Invex:   ch.Invex,
	}
	for _, m := range ch.MemberList() {
		mv := memberView{UID: m.UID, Prefix: m.Flags.Prefix()}
		if u, ok := nd.User(m.UID); ok {
			mv.Nick = u.Nick
		}
		view.Members = append(view.Members, mv)
	}
	c.JSON(200, view)
}

func (a *api) handleLinks(c *gin.Context) {
	configured, err := a.d.Store().ListLinks()
	if err != nil {
		c.JSON(500, gin.H{"error": "Database error listing links"})
		return
	}
	if configured == nil {
		configured = []db.Link{}
	}
	c.JSON(200, gin.H{"configured": configured, "live": a.d.Router().Links()})
}

func (a *api) handleUpsertLink(c *gin.Context) {
	var json struct {
		Name           string `json:"name"`
		Address        string `json:"address"`
		Transport      string `json:"transport"`
		SendPassword   string `json:"send_password"`
		AcceptPassword string `json:"accept_password"`
		Autoconnect    bool   `json:"autoconnect"`
	}
	if err := c.BindJSON(&json); err != nil {
		c.JSON(400, gin.H{"error": "Invalid request data"})
		return
	}
	if json.Transport == "" {
		json.Transport = "tcp"
	}
	switch {
	case !irc.ValidServerName(json.Name):
		c.JSON(400, gin.H{"error": "Invalid server name"})
		return
	case json.Address == "":
		c.JSON(400, gin.H{"error": "Address is required"})
		return
	case !link.ValidTransport(json.Transport):
		c.JSON(400, gin.H{"error": "Unknown transport"})
		return
	case json.SendPassword == "" || json.AcceptPassword == "":
		c.JSON(400, gin.H{"error": "Both passwords are required"})
		return
	}

	hash, err := auth.HashPassword(json.AcceptPassword)
	if err != nil {
		c.JSON(500, gin.H{"error": "Failed to hash password"})
		return
	}
	err = a.d.Store().UpsertLink(db.Link{
		Name:         json.Name,
		Address:      json.Address,
		Transport:    json.Transport,
		SendPassword: json.SendPassword,
		AcceptHash:   hash,
		Autoconnect:  json.Autoconnect,
	})
	if err != nil {
		c.JSON(500, gin.H{"error": "Database error saving link"})
		return
	}
	a.d.Store().InsertAudit("config", "link block "+json.Name+" saved by "+c.GetString("operator"))
	c.JSON(201, gin.H{"message": "Link saved"})
}

func (a *api) handleDeleteLink(c *gin.Context) {
	name := c.Param("name")
	if err := a.d.Store().DeleteLink(name); err != nil {
		if errors.Is(err, db.ErrLinkNotFound) {
			c.JSON(404, gin.H{"error": "Link not found"})
		} else {
			c.JSON(500, gin.H{"error": "Database error deleting link"})
		}
		return
	}
	a.d.Store().InsertAudit("config", "link block "+name+" deleted by "+c.GetString("operator"))
	c.JSON(200, gin.H{"message": "Link deleted"})
}

func (a *api) handleConnect(c *gin.Context) {
	name := c.Param("name")
	ctx, cancel := context.WithTimeout(c.Request.Context(), 30*time.Second)
	defer cancel()

	err := a.d.Connect(ctx, name)
	var he *link.Error
	switch {
	case err == nil:
		c.JSON(200, gin.H{"message": "Linked to " + name})
	case errors.Is(err, db.ErrLinkNotFound):
		c.JSON(404, gin.H{"error": "Link not found"})
	case errors.Is(err, daemon.ErrAlreadyLinked):
		c.JSON(409, gin.H{"error": "Already linked"})
	case errors.As(err, &he):
		c.JSON(502, gin.H{"error": "Handshake failed", "kind": he.Kind.String(), "reason": he.Reason})
	default:
		c.JSON(502, gin.H{"error": err.Error()})
	}
}

func (a *api) handleSquit(c *gin.Context) {
	var json struct {
		Reason string `json:"reason"`
	}
	// The body is optional.
	_ = c.ShouldBindJSON(&json)

	err := a.d.Squit(c.Param("name"), json.Reason)
	switch {
	case err == nil:
		c.JSON(200, gin.H{"message": "SQUIT sent"})
	case errors.Is(err, netdb.ErrNoSuchServer), errors.Is(err, router.ErrNotLinked):
		c.JSON(404, gin.H{"error": "No such server"})
	default:
		c.JSON(500, gin.H{"error": err.Error()})
	}
}

func (a *api) handleAudit(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	entries, err := a.d.Store().ListAudit(limit)
	if err != nil {
		c.JSON(500, gin.H{"error": "Database error listing audit entries"})
		return
	}
	if entries == nil {
		entries = []db.AuditEntry{}
	}
	c.JSON(200, entries)
}
