package botimage

import (
	"strings"
	"testing"
)

func TestRenderDefaultStageOrder(t *testing.T) {
	rendered, err := Render(Params{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	text := string(rendered)
	markers := []string{
		"FROM docker.io/library/python:3.11-slim",
		"apt-get install",
		"rm -rf /var/lib/apt/lists/*",
		"useradd --create-home",
		"WORKDIR /app",
		"COPY requirements.txt ./",
		"pip install --no-cache-dir -r requirements.txt",
		"COPY . .",
		"chown -R botuser:botuser /app",
		"USER botuser",
		"ENV DOCKERIZED=1",
		`CMD ["python","-m","app.main"]`,
	}
	last := -1
	for _, marker := range markers {
		idx := strings.Index(text, marker)
		if idx == -1 {
			t.Fatalf("missing %q in rendered containerfile:\n%s", marker, text)
		}
		if idx < last {
			t.Fatalf("%q out of order in rendered containerfile:\n%s", marker, text)
		}
		last = idx
	}
}

func TestRenderRejectsBadParams(t *testing.T) {
	cases := []struct {
		name   string
		params Params
	}{
		{"unpinned base", Params{BaseImage: "python"}},
		{"root account", Params{Account: "root"}},
		{"uid zero account", Params{Account: "0"}},
		{"relative workdir", Params{WorkDir: "app"}},
		{"manifest with path", Params{Manifest: "deps/requirements.txt"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Render(tc.params); err == nil {
				t.Fatalf("expected render error for %s", tc.name)
			}
		})
	}
}

func TestRenderExtraEnvSorted(t *testing.T) {
	rendered, err := Render(Params{ExtraEnv: map[string]string{
		"ZZ_LAST": "1",
		"AA_ONE":  "2",
	}})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	text := string(rendered)
	first := strings.Index(text, "ENV AA_ONE=2")
	second := strings.Index(text, "ENV ZZ_LAST=1")
	if first == -1 || second == -1 {
		t.Fatalf("extra env missing:\n%s", text)
	}
	if first > second {
		t.Fatalf("extra env not sorted:\n%s", text)
	}
}

func TestVerify(t *testing.T) {
	cases := []struct {
		name    string
		file    string
		wantErr string
	}{
		{
			name: "valid",
			file: `FROM python:3.11-slim
RUN apt-get update && apt-get install -y chromium && rm -rf /var/lib/apt/lists/*
RUN useradd --create-home bot
WORKDIR /app
COPY requirements.txt ./
RUN pip install --no-cache-dir -r requirements.txt
COPY . .
RUN chown -R bot:bot /app
USER bot
ENV DOCKERIZED=1
CMD ["python","-m","app.main"]
`,
		},
		{
			name: "missing user",
			file: `FROM python:3.11-slim
COPY . .
CMD ["python","-m","app.main"]
`,
			wantErr: "no USER instruction",
		},
		{
			name: "root user",
			file: `FROM python:3.11-slim
RUN chown -R root:root /app
USER root
CMD ["python","-m","app.main"]
`,
			wantErr: "privileged account",
		},
		{
			name: "entry before user",
			file: `FROM python:3.11-slim
RUN chown -R bot:bot /app
CMD ["python","-m","app.main"]
USER bot
`,
			wantErr: "before USER switch",
		},
		{
			name: "missing chown",
			file: `FROM python:3.11-slim
COPY requirements.txt ./
RUN pip install -r requirements.txt
COPY . .
USER bot
CMD ["python","-m","app.main"]
`,
			wantErr: "missing chown",
		},
		{
			name: "chown after user",
			file: `FROM python:3.11-slim
COPY requirements.txt ./
RUN pip install -r requirements.txt
COPY . .
USER bot
RUN chown -R bot:bot /app
CMD ["python","-m","app.main"]
`,
			wantErr: "after USER switch",
		},
		{
			name: "source before manifest",
			file: `FROM python:3.11-slim
COPY . .
COPY requirements.txt ./
RUN pip install -r requirements.txt
RUN chown -R bot:bot /app
USER bot
CMD ["python","-m","app.main"]
`,
			wantErr: "manifest not copied before full source copy",
		},
		{
			name: "install after source copy",
			file: `FROM python:3.11-slim
COPY requirements.txt ./
COPY . .
RUN pip install -r requirements.txt
RUN chown -R bot:bot /app
USER bot
CMD ["python","-m","app.main"]
`,
			wantErr: "does not precede full source copy",
		},
		{
			name: "privileged run after user",
			file: `FROM python:3.11-slim
COPY requirements.txt ./
RUN pip install -r requirements.txt
COPY . .
RUN chown -R bot:bot /app
USER bot
RUN apt-get install -y curl
CMD ["python","-m","app.main"]
`,
			wantErr: "privileged",
		},
		{
			name:    "empty",
			file:    "\n\n# only comments\n",
			wantErr: "empty",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Verify([]byte(tc.file))
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("verify: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tc.wantErr)
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error %q does not contain %q", err.Error(), tc.wantErr)
			}
		})
	}
}

func TestVerifyJoinsContinuationLines(t *testing.T) {
	file := `FROM python:3.11-slim
COPY requirements.txt ./
RUN pip install \
    --no-cache-dir \
    -r requirements.txt
COPY . .
RUN chown -R bot:bot /app
USER bot
CMD ["python","-m","app.main"]
`
	if err := Verify([]byte(file)); err != nil {
		t.Fatalf("verify: %v", err)
	}
}

func TestRenderedContainerfilePassesVerify(t *testing.T) {
	rendered, err := Render(DefaultParams())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if err := Verify(rendered); err != nil {
		t.Fatalf("verify rendered: %v", err)
	}
}
