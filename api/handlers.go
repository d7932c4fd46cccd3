package api

import (
	"net/http"

	"github.com/golang/glog"
	"github.com/gorilla/mux"

	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/store"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type addContactRequest struct {
	UserIdToAdd string `json:"userIdToAdd"`
}

// sessionBody carries the user and, when tokens are issued, the token for later requests.
func (s *Server) sessionBody(u *store.User, message string) (H, error) {
	body := H{"userData": u, "message": message}
	if s.issuer != nil {
		token, err := s.issuer.Generate(u.Id)
		if err != nil {
			return nil, err
		}
		body["token"] = token
	}
	return body, nil
}

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var in chat.SignupInput
	if !s.decode(w, r, &in) {
		return
	}
	u, err := s.svc.Signup(r.Context(), &in)
	if err != nil {
		fail(w, r, err)
		return
	}
	body, err := s.sessionBody(u, "Account Created Successfully")
	if err != nil {
		glog.Errorf("generate token for %s: %v", u.Id, err)
		fail(w, r, err)
		return
	}
	ok(w, body)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if !s.decode(w, r, &in) {
		return
	}
	u, err := s.svc.Login(r.Context(), in.Email, in.Password)
	if err != nil {
		fail(w, r, err)
		return
	}
	body, err := s.sessionBody(u, "Login Successful")
	if err != nil {
		glog.Errorf("generate token for %s: %v", u.Id, err)
		fail(w, r, err)
		return
	}
	ok(w, body)
}

func (s *Server) checkAuth(w http.ResponseWriter, r *http.Request) {
	u, err := s.svc.Me(r.Context(), UserId(r.Context()))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, H{"user": u})
}

func (s *Server) updateProfile(w http.ResponseWriter, r *http.Request) {
	var in chat.ProfileInput
	if !s.decode(w, r, &in) {
		return
	}
	u, err := s.svc.UpdateProfile(r.Context(), UserId(r.Context()), &in)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, H{"user": u})
}

func (s *Server) searchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.svc.SearchUsers(r.Context(), UserId(r.Context()), r.URL.Query().Get("username"))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, H{"users": users})
}

func (s *Server) addContact(w http.ResponseWriter, r *http.Request) {
	var in addContactRequest
	if !s.decode(w, r, &in) {
		return
	}
	if err := s.svc.AddContact(r.Context(), UserId(r.Context()), in.UserIdToAdd); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, H{"message": "User added to contacts"})
}

func (s *Server) contacts(w http.ResponseWriter, r *http.Request) {
	contacts, err := s.svc.Contacts(r.Context(), UserId(r.Context()))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, H{"contacts": contacts})
}

func (s *Server) sidebar(w http.ResponseWriter, r *http.Request) {
	sb, err := s.svc.Sidebar(r.Context(), UserId(r.Context()))
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, H{"users": sb.Users, "unseenMessages": sb.Unseen})
}

func (s *Server) conversation(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.svc.Conversation(r.Context(), UserId(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, H{"messages": msgs})
}

func (s *Server) markSeen(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.MarkSeen(r.Context(), UserId(r.Context()), mux.Vars(r)["id"]); err != nil {
		fail(w, r, err)
		return
	}
	ok(w, H{})
}

func (s *Server) send(w http.ResponseWriter, r *http.Request) {
	var in chat.SendInput
	if !s.decode(w, r, &in) {
		return
	}
	m, err := s.svc.Send(r.Context(), UserId(r.Context()), mux.Vars(r)["id"], &in)
	if err != nil {
		fail(w, r, err)
		return
	}
	ok(w, H{"newMessage": m})
}
