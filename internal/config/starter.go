package config

// Starter is the commented example `kissa config init` writes when no
// config file exists yet.
const Starter = `# kissa configuration
# Paths may start with ~ for your home directory.

[scan]
roots = ["~/code"]
# exclude = ["node_modules", "scratch"]
max_depth = 6
auto_verify_seconds = 3600
watch_rebind_seconds = 5
probe_timeout_seconds = 5

[scan.boundaries]
cross_mounts = false
# allow_mounts = ["/mnt/projects"]
# block_mounts = ["/mnt/backup"]
stat_timeout_ms = 500

[identity]
usernames = []
emails = []
community_orgs = []
# [identity.work_orgs]
# acme = ["acme-corp", "acme-labs"]

[organization]
# platform: {platform}/{org}/{repo_name}
# role:     {intention}/{repo_name}
# project:  {project}/{repo_name}
# hybrid:   {ownership}/{platform}/{org}/{repo_name}
pattern = "platform"
base_path = "~/code"

# [[organization.rules]]
# match = { intention = "dotfiles" }
# template = "dotfiles/{repo_name}"
# [[organization.rules]]
# match = {}
# template = "{platform}/{org}/{repo_name}"

[defaults]
difficulty = "commit"

[defaults.mcp]
difficulty = "readonly"

# [overrides]
# "~/code/work/**" = "fetch"

[safety]
protected_branches = ["main", "master", "production", "release/*"]
always_confirm_destructive = false
max_plan_size = 50

# [[classify.rules]]
# [classify.rules.match]
# org = "acme-corp"
# [classify.rules.set]
# ownership = "work:acme"
# tags = ["work"]

[display]
cat_mode = false
`
